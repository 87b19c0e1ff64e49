package cli

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/serverledge-faas/offloadge/internal/client"
	"github.com/serverledge-faas/offloadge/internal/config"
	"github.com/serverledge-faas/offloadge/internal/registration"
	"github.com/serverledge-faas/offloadge/utils"
)

var rootCmd = &cobra.Command{
	Use:   "offloadctl",
	Short: "CLI utility for Offloadge",
	Long:  `CLI utility to run the demo application and to inspect clones and client histories.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if !verbose {
			log.SetOutput(io.Discard)
		}
		config.ReadConfiguration(configFile)
		applyOverrides()
	},
}

var configFile, cloneHost, dataDir string
var clonePort, apiPort int
var verbose bool

func Init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&cloneHost, "host", "H", "", "clone host")
	rootCmd.PersistentFlags().IntVarP(&clonePort, "port", "P", 0, "clone cleartext port")
	rootCmd.PersistentFlags().IntVarP(&apiPort, "api-port", "A", 0, "clone API port")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data", "d", "", "client data directory")

	rootCmd.AddCommand(demoCmd, pingCmd, migrateCmd, statusCmd, appsCmd, historyCmd, statsCmd)
	initDemoFlags()
	initHistoryFlags()

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// applyOverrides gives the command line flags precedence over the configuration.
func applyOverrides() {
	if cloneHost != "" {
		config.Set(config.CLIENT_CLONE_ADDRESS, cloneHost)
	}
	if clonePort > 0 {
		config.Set(config.CLIENT_CLONE_PORT, clonePort)
	}
	if apiPort > 0 {
		config.Set(config.API_PORT, apiPort)
	}
	if dataDir != "" {
		config.Set(config.CLIENT_DATA_DIR, dataDir)
	}
}

// clientOptions reads the client options, resolving the clone through the
// registry when it is enabled. release closes the registry connection.
func clientOptions() (client.Options, func(), error) {
	release := func() {}
	opts, err := client.OptionsFromConfig()
	if err != nil {
		return opts, release, err
	}
	if !config.GetBool(config.REGISTRY_ENABLED, false) {
		return opts, release, nil
	}

	etcd, err := utils.NewEtcdClient(config.GetString(config.ETCD_ADDRESS, "localhost:2379"))
	if err != nil {
		return opts, release, err
	}
	reg, err := registration.New(etcd, config.GetString(config.REGISTRY_AREA, "ROME"))
	if err != nil {
		_ = etcd.Close()
		return opts, release, err
	}
	opts.Resolve = reg.Resolver()
	return opts, func() { _ = etcd.Close() }, nil
}

func apiURL(path string) string {
	host := config.GetString(config.CLIENT_CLONE_ADDRESS, "127.0.0.1")
	return fmt.Sprintf("http://%s:%d%s", host, config.GetInt(config.API_PORT, 1323), path)
}

func exitOnErr(msg string, err error) {
	if err != nil {
		fmt.Printf("%s: %v\n", msg, err)
		os.Exit(2)
	}
}
