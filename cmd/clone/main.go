package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/labstack/echo/v4"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/serverledge-faas/offloadge/internal/api"
	"github.com/serverledge-faas/offloadge/internal/clone"
	"github.com/serverledge-faas/offloadge/internal/config"
	"github.com/serverledge-faas/offloadge/internal/demo"
	"github.com/serverledge-faas/offloadge/internal/metrics"
	"github.com/serverledge-faas/offloadge/internal/node"
	"github.com/serverledge-faas/offloadge/internal/registration"
	"github.com/serverledge-faas/offloadge/internal/telemetry"
	"github.com/serverledge-faas/offloadge/utils"
)

// builtinApps are the apps compiled into the clone.
var builtinApps = clone.StaticLoader{demo.AppName: demo.Register}

func codeLoader() clone.CodeLoader {
	loader := config.GetString(config.CLONE_LOADER, "static")
	log.Printf("Configured code loader: %s\n", loader)
	if loader == "plugin" {
		return clone.PluginLoader{Fallback: builtinApps}
	}
	return builtinApps
}

func tlsConfig() *tls.Config {
	certFile := config.GetString(config.CLONE_TLS_CERT, "")
	keyFile := config.GetString(config.CLONE_TLS_KEY, "")
	if certFile == "" || keyFile == "" {
		return nil
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		log.Fatalf("Could not load the TLS certificate: %v", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}
}

func main() {
	configFileName := ""
	if len(os.Args) > 1 {
		configFileName = os.Args[1]
	}
	config.ReadConfiguration(configFileName)

	if _, err := maxprocs.Set(maxprocs.Logger(log.Printf)); err != nil {
		log.Printf("Could not set GOMAXPROCS: %v\n", err)
	}

	myArea := config.GetString(config.REGISTRY_AREA, "ROME")
	localNode := node.NewIdentifier(myArea)

	metrics.Init(config.GetBool(config.METRICS_ENABLED, false), localNode.String())

	if config.GetBool(config.TRACING_ENABLED, false) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		tracesOutfile := config.GetString(config.TRACING_OUTFILE, "")
		if len(tracesOutfile) < 1 {
			tracesOutfile = fmt.Sprintf("traces-%s.json", time.Now().Format("20060102-150405"))
		}
		log.Printf("Enabling tracing to %s\n", tracesOutfile)
		otelShutdown, err := telemetry.SetupOTelSDK(ctx, tracesOutfile)
		if err != nil {
			log.Fatal(err)
		}
		defer func() {
			err = errors.Join(err, otelShutdown(context.Background()))
		}()
	}

	clearPort := config.GetInt(config.CLONE_PORT, 4322)
	securePort := config.GetInt(config.CLONE_SECURE_PORT, 5322)
	cfg := clone.Config{
		NodeName:       localNode.String(),
		DataDir:        config.GetString(config.CLONE_DATA_DIR, filepath.Join(os.TempDir(), "offloadge-clone")),
		ClearAddress:   fmt.Sprintf(":%d", clearPort),
		SecureAddress:  fmt.Sprintf(":%d", securePort),
		TLS:            tlsConfig(),
		MaxConnections: config.GetInt(config.CLONE_MAX_CONNECTIONS, clone.DefaultMaxConnections),
		ProbeWindow:    config.GetDuration(config.NETWORK_PROBE_WINDOW, 3*time.Second),
		Loader:         codeLoader(),
	}

	var registry *registration.Registry
	var etcd *clientv3.Client
	if config.GetBool(config.REGISTRY_ENABLED, false) {
		registry, etcd = registerClone(localNode, clearPort, securePort)
		cfg.Helpers = registry
	} else if addresses := config.GetStringSlice(config.CLONE_HELPERS, nil); len(addresses) > 0 {
		helpers, err := clone.ParseHelpers(addresses)
		if err != nil {
			log.Fatal(err)
		}
		cfg.Helpers = helpers
	}

	server, err := clone.NewServer(cfg)
	if err != nil {
		log.Fatal(err)
	}
	if err := server.Start(); err != nil {
		log.Fatal(err)
	}

	services := api.Services{Node: localNode, Clone: server, Registry: registry}
	e := echo.New()

	// Register a signal handler to cleanup things on termination
	api.RegisterTerminationHandler(services, e, func() {
		if etcd != nil {
			_ = etcd.Close()
		}
	})

	api.StartAPIServer(e, services)
}

// registerClone publishes the clone in its area and starts the peer monitoring
// used to pick fan-out helpers.
func registerClone(id node.NodeID, clearPort int, securePort int) (*registration.Registry, *clientv3.Client) {
	etcd, err := utils.NewEtcdClient(config.GetString(config.ETCD_ADDRESS, "localhost:2379"))
	if err != nil {
		log.Fatal(err)
	}
	registry, err := registration.New(etcd, id.Area)
	if err != nil {
		log.Fatal(err)
	}

	defaultAddressStr := "127.0.0.1"
	address, err := utils.GetOutboundIp()
	if err == nil {
		defaultAddressStr = address.String()
	}

	ctx := context.Background()
	reg := registration.CloneRegistration{
		ID:         id,
		IPAddress:  config.GetString(config.API_IP, defaultAddressStr),
		ClearPort:  clearPort,
		SecurePort: securePort,
		APIPort:    config.GetInt(config.API_PORT, 1323),
	}
	if err := registry.Register(ctx, reg); err != nil {
		log.Fatal(err)
	}
	registry.StartMonitoring(ctx, config.GetDuration(config.REG_MONITORING_INTERVAL, 30*time.Second))
	return registry, etcd
}
