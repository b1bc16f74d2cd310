package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "List VPN servers from the server directory",
	Run:   runServers,
}

func init() {
	rootCmd.AddCommand(serversCmd)
}

func runServers(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		fatal(nil, "Failed to connect", err)
	}
	defer a.Close()

	servers, err := a.client.Servers(ctx)
	if err != nil {
		fatal(a, "Failed to fetch servers", err)
	}

	sort.Slice(servers, func(i, j int) bool { return servers[i].Load < servers[j].Load })

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tCOUNTRY\tENDPOINT\tLOAD\tPROTOCOLS")
	for _, s := range servers {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s:%d\t%.0f%%\t%s\n",
			s.ID, s.Name, s.Country, s.Host, s.Port, s.Load*100, strings.Join(s.Protocols, ","))
	}
	_ = w.Flush()
}
