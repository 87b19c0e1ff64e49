package config

// Etcd server hostname
const ETCD_ADDRESS = "etcd.address"

// enables registration/lookup of clones through etcd (true/false)
const REGISTRY_ENABLED = "registry.enabled"

// the area which the clone belongs to (or where the client looks for a clone)
const REGISTRY_AREA = "registry.area"

// period for refreshing peer coordinates and the registration payload
const REG_MONITORING_INTERVAL = "registry.monitoring.interval"

// exposed port for the clone status API
const API_PORT = "api.port"
const API_IP = "api.ip"

// clone port for cleartext connections
const CLONE_PORT = "clone.port"

// clone port for TLS connections
const CLONE_SECURE_PORT = "clone.secureport"

// PEM certificate and key used by the clone TLS listener
const CLONE_TLS_CERT = "clone.tls.cert"
const CLONE_TLS_KEY = "clone.tls.key"

// directory where packages and libraries of offloaded apps are stored
const CLONE_DATA_DIR = "clone.data.dir"

// max number of concurrently served connections
const CLONE_MAX_CONNECTIONS = "clone.connections.max"

// static helper clones used for fan-out when the registry is disabled ("ip:port,ip:port")
const CLONE_HELPERS = "clone.helpers"

// code loading unit: "static" (apps compiled in the clone) or "plugin"
const CLONE_LOADER = "clone.loader"

// address of the clone the client binds to (when the registry is disabled)
const CLIENT_CLONE_ADDRESS = "client.clone.address"
const CLIENT_CLONE_PORT = "client.clone.port"
const CLIENT_CLONE_SECURE_PORT = "client.clone.secureport"

// prefer encrypted connections (true/false)
const CLIENT_TLS = "client.tls"

// skip verification of the clone certificate (testing only)
const CLIENT_TLS_INSECURE = "client.tls.insecure"

// user override of the execution location: LOCAL, REMOTE or DYNAMIC
const CLIENT_EXEC_CHOICE = "client.choice"

// directory where the history file, the lock and the CSV log are stored
const CLIENT_DATA_DIR = "client.data.dir"

// name and code package of the running application
const CLIENT_APP_NAME = "client.app.name"
const CLIENT_APP_PACKAGE = "client.app.package"

// number of task workers of the dispatcher
const CLIENT_WORKERS = "client.workers"

// capacity of the shared task queue
const CLIENT_QUEUE_CAPACITY = "client.queue.capacity"

// timeout for each connection attempt
const CLIENT_DIAL_TIMEOUT = "client.dial.timeout"

// period of the connection re-probe
const CLIENT_REPROBE_INTERVAL = "client.reprobe.interval"

// max time waited at startup for the first network sample
const CLIENT_SAMPLE_WAIT = "client.sample.wait"

// network type recorded with each execution (e.g., WIFI, LTE, ETHERNET)
const NETWORK_TYPE = "network.type"

// intervals of the three network probes
const NETWORK_RTT_INTERVAL = "network.rtt.interval"
const NETWORK_DL_INTERVAL = "network.dl.interval"
const NETWORK_UL_INTERVAL = "network.ul.interval"

// duration of a bandwidth measurement window
const NETWORK_PROBE_WINDOW = "network.probe.window"

// enable metrics system
const METRICS_ENABLED = "metrics.enabled"

// Port used by Prometheus server
const METRICS_PROMETHEUS_PORT = "metrics.prometheus.port"

// Prometheus IP address / hostname
const METRICS_PROMETHEUS_HOST = "metrics.prometheus.host"

// Enables tracing
const TRACING_ENABLED = "tracing.enabled"

// Custom output file for traces
const TRACING_OUTFILE = "tracing.outfile"
