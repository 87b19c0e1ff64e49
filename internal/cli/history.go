package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/serverledge-faas/offloadge/internal/client"
	"github.com/serverledge-faas/offloadge/internal/config"
	"github.com/serverledge-faas/offloadge/internal/history"
	"github.com/serverledge-faas/offloadge/internal/metrics"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Summarises the execution history of this client",
	Run:   showHistory,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Queries Prometheus for offloading statistics",
	Run:   showStats,
}

var historyFile string

func initHistoryFlags() {
	historyCmd.Flags().StringVarP(&historyFile, "file", "f", "", "history file (default: the one in the data directory)")
}

func showHistory(cmd *cobra.Command, args []string) {
	path := historyFile
	if path == "" {
		opts, err := client.OptionsFromConfig()
		exitOnErr("Invalid configuration", err)
		path = filepath.Join(opts.DataDir, history.FileName)
	}

	summaries, err := history.Inspect(path)
	exitOnErr("Could not read the history", err)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "METHOD\tLOCAL\tREMOTE\tLAST")
	for _, s := range summaries {
		last := "-"
		if s.NewestTimestamp > 0 {
			last = time.UnixMilli(s.NewestTimestamp).Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", s.Method, s.Local, s.Remote, last)
	}
	_ = w.Flush()
}

func showStats(cmd *cobra.Command, args []string) {
	host := config.GetString(config.METRICS_PROMETHEUS_HOST, "localhost")
	port := config.GetInt(config.METRICS_PROMETHEUS_PORT, 9090)
	retriever, err := metrics.NewRetriever(host, port)
	exitOnErr("Could not reach Prometheus", err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stats := retriever.Retrieve(ctx)

	fmt.Println("Average remote execution time (s):")
	for method, avg := range stats.AvgRemoteExecutionTime {
		fmt.Printf("  %s\t%.4f\n", method, avg)
	}
	fmt.Println("Remote executions per clone:")
	for node, perMethod := range stats.RemoteExecutions {
		for method, count := range perMethod {
			fmt.Printf("  %s\t%s\t%.0f\n", node, method, count)
		}
	}
	fmt.Println("Decision share:")
	for method, perLocation := range stats.DecisionShare {
		for location, share := range perLocation {
			fmt.Printf("  %s\t%s\t%.2f\n", method, location, share)
		}
	}
}
