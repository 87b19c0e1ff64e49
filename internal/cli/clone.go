package cli

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/serverledge-faas/offloadge/internal/client"
	"github.com/serverledge-faas/offloadge/internal/connection"
	"github.com/serverledge-faas/offloadge/internal/demo"
	"github.com/serverledge-faas/offloadge/internal/node"
	"github.com/serverledge-faas/offloadge/utils"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Connects to the clone and measures a PING round trip",
	Run:   ping,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Notifies the clone of a migration and waits for it to drain",
	Run:   migrate,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Prints the status of the clone",
	Run: func(cmd *cobra.Command, args []string) {
		getJSON(apiURL("/status"))
	},
}

var appsCmd = &cobra.Command{
	Use:   "apps",
	Short: "Lists the apps registered on the clone",
	Run: func(cmd *cobra.Command, args []string) {
		getJSON(apiURL("/apps"))
	},
}

// connectDemo connects to the clone registering the demo package.
func connectDemo(ctx context.Context) (*connection.Manager, client.Options) {
	opts, release, err := clientOptions()
	exitOnErr("Invalid configuration", err)
	// the clone is resolved once: the registry is not needed after connecting
	defer release()

	pkg := filepath.Join(opts.DataDir, "demo.tar")
	exitOnErr("Could not build the demo package", demo.WritePackage("", pkg))

	m := connection.NewManager(connection.Config{
		Resolve:     opts.Resolve,
		TLS:         opts.TLS,
		PreferTLS:   opts.PreferTLS,
		DialTimeout: opts.DialTimeout,
		App:         connection.AppPackage{Identity: demo.AppName, Path: pkg},
	})
	exitOnErr("Could not connect to the clone", m.Connect(ctx))
	return m, opts
}

func ping(cmd *cobra.Command, args []string) {
	m, _ := connectDemo(context.Background())
	defer m.Close()

	start := time.Now()
	exitOnErr("Ping failed", m.Ping())
	fmt.Printf("PONG from %s (%v) in %v\n", m.Endpoint().ClearAddress(), m.State(), time.Since(start))
}

func migrate(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	m, opts := connectDemo(ctx)
	defer m.Close()

	id, err := node.ClientID(opts.DataDir)
	exitOnErr("Could not read the client identity", err)

	start := time.Now()
	exitOnErr("Migration notice failed", m.NotifyMigration(ctx, id))
	fmt.Printf("Clone drained in %v\n", time.Since(start))
}

func getJSON(url string) {
	resp, err := http.Get(url)
	exitOnErr("Request failed", err)
	utils.PrintJsonResponse(resp.Body)
}
