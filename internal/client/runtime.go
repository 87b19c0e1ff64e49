package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/serverledge-faas/offloadge/internal/config"
	"github.com/serverledge-faas/offloadge/internal/connection"
	"github.com/serverledge-faas/offloadge/internal/decision"
	"github.com/serverledge-faas/offloadge/internal/dispatcher"
	"github.com/serverledge-faas/offloadge/internal/history"
	"github.com/serverledge-faas/offloadge/internal/netsampler"
	"github.com/serverledge-faas/offloadge/internal/node"
	"github.com/serverledge-faas/offloadge/internal/registry"
)

var ErrRuntimeClosed = errors.New("client runtime closed")

// Options configures every client component.
type Options struct {
	AppName    string
	AppPackage string
	DataDir    string
	Choice     decision.UserChoice

	Workers       int
	QueueCapacity int
	HelperCount   int

	Resolve         connection.Resolver
	TLS             *tls.Config
	PreferTLS       bool
	DialTimeout     time.Duration
	ReprobeInterval time.Duration

	// max wait for the first network sample at startup
	SampleWait time.Duration
	// probe schedule; the address is taken from the clone endpoint
	Network netsampler.Config
}

// OptionsFromConfig reads the client options from the configuration.
// The clone is the static endpoint of the configuration; callers using the
// registry replace Resolve.
func OptionsFromConfig() (Options, error) {
	choice, err := decision.ParseChoice(config.GetString(config.CLIENT_EXEC_CHOICE, string(decision.DYNAMIC)))
	if err != nil {
		return Options{}, err
	}

	home, _ := os.UserHomeDir()
	network := netsampler.DefaultConfig("")
	network.NetworkType = config.GetString(config.NETWORK_TYPE, network.NetworkType)
	network.ProbeWindow = config.GetDuration(config.NETWORK_PROBE_WINDOW, network.ProbeWindow)
	network.RTTInterval = config.GetDuration(config.NETWORK_RTT_INTERVAL, network.RTTInterval)
	network.DownloadInterval = config.GetDuration(config.NETWORK_DL_INTERVAL, network.DownloadInterval)
	network.UploadInterval = config.GetDuration(config.NETWORK_UL_INTERVAL, network.UploadInterval)

	opts := Options{
		AppName:         config.GetString(config.CLIENT_APP_NAME, "demo"),
		AppPackage:      config.GetString(config.CLIENT_APP_PACKAGE, ""),
		DataDir:         config.GetString(config.CLIENT_DATA_DIR, filepath.Join(home, ".offloadge")),
		Choice:          choice,
		Workers:         config.GetInt(config.CLIENT_WORKERS, dispatcher.DefaultWorkers),
		QueueCapacity:   config.GetInt(config.CLIENT_QUEUE_CAPACITY, 500),
		HelperCount:     1,
		PreferTLS:       config.GetBool(config.CLIENT_TLS, false),
		DialTimeout:     config.GetDuration(config.CLIENT_DIAL_TIMEOUT, 5*time.Second),
		ReprobeInterval: config.GetDuration(config.CLIENT_REPROBE_INTERVAL, 2*time.Minute),
		SampleWait:      config.GetDuration(config.CLIENT_SAMPLE_WAIT, 10*time.Second),
		Network:         network,
		Resolve: connection.StaticResolver(connection.Endpoint{
			IP:         config.GetString(config.CLIENT_CLONE_ADDRESS, "127.0.0.1"),
			ClearPort:  config.GetInt(config.CLIENT_CLONE_PORT, 4322),
			SecurePort: config.GetInt(config.CLIENT_CLONE_SECURE_PORT, 5322),
		}),
	}
	if opts.PreferTLS {
		opts.TLS = &tls.Config{InsecureSkipVerify: config.GetBool(config.CLIENT_TLS_INSECURE, false)}
	}
	return opts, nil
}

// Runtime owns the client components of one application process.
type Runtime struct {
	opts     Options
	methods  *registry.Registry
	clientID uint64

	store      *history.Store
	conn       *connection.Manager
	sampler    *netsampler.Sampler
	dispatcher *dispatcher.Dispatcher

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
}

func NewRuntime(opts Options, methods *registry.Registry) (*Runtime, error) {
	if opts.AppName == "" {
		return nil, errors.New("application name not set")
	}
	if opts.DataDir == "" {
		return nil, errors.New("data directory not set")
	}
	if opts.SampleWait <= 0 {
		opts.SampleWait = 10 * time.Second
	}

	clientID, err := node.ClientID(opts.DataDir)
	if err != nil {
		return nil, fmt.Errorf("could not read the client identity: %w", err)
	}

	r := &Runtime{
		opts:     opts,
		methods:  methods,
		clientID: clientID,
		store:    history.NewStore(),
	}
	r.conn = connection.NewManager(connection.Config{
		Resolve:         opts.Resolve,
		TLS:             opts.TLS,
		PreferTLS:       opts.PreferTLS,
		DialTimeout:     opts.DialTimeout,
		ReprobeInterval: opts.ReprobeInterval,
		App:             connection.AppPackage{Identity: opts.AppName, Path: opts.AppPackage},
		OnConnect:       r.onConnect,
	})
	network := opts.Network
	network.AddressFunc = r.cloneAddress
	r.sampler = netsampler.New(network)
	return r, nil
}

// cloneAddress is the clear port of the clone last resolved, probed by the sampler.
func (r *Runtime) cloneAddress() string {
	endpoint := r.conn.Endpoint()
	if endpoint.IP == "" {
		return ""
	}
	return endpoint.ClearAddress()
}

// onConnect measures the network again: the clone may have changed.
func (r *Runtime) onConnect(endpoint connection.Endpoint) {
	log.Printf("[%s] measuring the network towards %s", r.opts.AppName, endpoint.ClearAddress())
	r.sampler.Refresh()
}

func (r *Runtime) historyPath() string {
	return filepath.Join(r.opts.DataDir, history.FileName)
}

// Start loads the history, connects to the clone, starts the network probes
// and the dispatcher. The clone being unreachable is not an error: calls run
// locally until a re-probe succeeds.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRuntimeClosed
	}
	if r.started {
		return nil
	}

	if err := r.store.Load(r.historyPath()); err != nil {
		log.Printf("Starting with an empty history: %v", err)
	}
	if csvLog, err := history.OpenCSVLog(r.opts.DataDir); err != nil {
		log.Printf("Execution log disabled: %v", err)
	} else {
		r.store.WithCSVLog(csvLog)
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	if r.opts.AppPackage == "" {
		log.Printf("[%s] no app package configured: running locally only", r.opts.AppName)
	} else {
		if err := r.conn.Connect(ctx); err != nil {
			log.Printf("[%s] clone unavailable: %v", r.opts.AppName, err)
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.conn.Run(bgCtx)
		}()

		r.sampler.Start(bgCtx)
		if r.conn.IsConnected() && !r.sampler.WaitFirstSample(ctx, r.opts.SampleWait) {
			log.Printf("No complete network sample after %v, proceeding", r.opts.SampleWait)
		}
	}

	r.dispatcher = dispatcher.New(dispatcher.Config{
		AppName:       r.opts.AppName,
		Workers:       r.opts.Workers,
		QueueCapacity: r.opts.QueueCapacity,
		HelperCount:   r.opts.HelperCount,
	}, r.methods, decision.NewPolicy(r.opts.Choice, r.store), r.store, r.conn, r.sampler)
	if err := r.dispatcher.Start(); err != nil {
		cancel()
		return err
	}

	r.started = true
	log.Printf("[%s] client %d started (%s)", r.opts.AppName, r.clientID, r.opts.Choice)
	return nil
}

// Submit queues a call for asynchronous execution.
func (r *Runtime) Submit(ctx context.Context, call dispatcher.Call) (*dispatcher.Task, error) {
	d, err := r.running()
	if err != nil {
		return nil, err
	}
	return d.Submit(ctx, call)
}

// Execute runs a call, locally or on the clone, and waits for its result.
func (r *Runtime) Execute(ctx context.Context, call dispatcher.Call) dispatcher.TaskResult {
	d, err := r.running()
	if err != nil {
		return dispatcher.TaskResult{Err: err}
	}
	return d.Execute(ctx, call)
}

func (r *Runtime) running() (*dispatcher.Dispatcher, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRuntimeClosed
	}
	if !r.started {
		return nil, dispatcher.ErrDispatcherNotStarted
	}
	return r.dispatcher, nil
}

// LastExecution returns where and how long the last call of method ran.
func (r *Runtime) LastExecution(method string) (history.Record, bool) {
	return r.store.LastExecution(method)
}

func (r *Runtime) ClientID() uint64 {
	return r.clientID
}

func (r *Runtime) Store() *history.Store {
	return r.store
}

func (r *Runtime) Connection() *connection.Manager {
	return r.conn
}

// Sampler returns the network sampler. Its probes only run when an app
// package is configured.
func (r *Runtime) Sampler() *netsampler.Sampler {
	return r.sampler
}

// NotifyMigration asks the clone to drain before it migrates.
func (r *Runtime) NotifyMigration(ctx context.Context) error {
	return r.conn.NotifyMigration(ctx, r.clientID)
}

// Close stops the dispatcher and the background probes, then saves the history.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	started := r.started
	r.mu.Unlock()

	if !started {
		return nil
	}
	r.dispatcher.Stop()
	r.cancel()
	r.conn.Close()
	r.wg.Wait()

	if err := r.store.Save(r.historyPath()); err != nil {
		log.Printf("Could not save the execution history: %v", err)
		return err
	}
	return nil
}
