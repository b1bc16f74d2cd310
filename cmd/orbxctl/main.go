package main

import "github.com/orbvpn/orbx-client/internal/cli"

func main() {
	cli.Execute()
}
