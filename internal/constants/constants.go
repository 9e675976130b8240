package constants

import "time"

// Chain Constants
const (
	// DefaultEndpoint is the default node websocket endpoint
	DefaultEndpoint = "ws://127.0.0.1:9944"

	// DefaultNetwork is the default network name passed to the signing gateway
	DefaultNetwork = "finney"

	// DefaultRPCTimeout bounds a single RPC call
	DefaultRPCTimeout = 30 * time.Second

	// RaoPerTAO is the number of base units in one TAO
	RaoPerTAO = 1_000_000_000
)

// Stake Constants
const (
	// DefaultStakeAmount is the default deposit amount in TAO
	DefaultStakeAmount = "0.05"

	// DefaultSubnetID is the default target subnet in single mode
	DefaultSubnetID = 63

	// DefaultThreshold is the number of qualifying deposits that triggers a stake
	DefaultThreshold = 2

	// DefaultSubnetMode selects which subnets are eligible
	DefaultSubnetMode = "single"
)

// Submission Constants
const (
	// DefaultMaxRetries is the number of submission attempts per action
	DefaultMaxRetries = 5

	// DefaultRetryBackoff is the delay after the first failed attempt
	DefaultRetryBackoff = 500 * time.Millisecond

	// DefaultMaxBackoff caps the retry delay
	DefaultMaxBackoff = 4 * time.Second
)

// Monitor Constants
const (
	// DefaultSubscriptionMode selects the header strategy
	DefaultSubscriptionMode = "auto"

	// DefaultHeaderWaitTimeout is how long a subscription may stay silent at start
	DefaultHeaderWaitTimeout = 15 * time.Second

	// DefaultPollInterval is the head polling period
	DefaultPollInterval = 500 * time.Millisecond

	// DefaultQueueSize bounds the callback header queue
	DefaultQueueSize = 1024

	// DefaultReconnectBackoff is the first reconnect delay
	DefaultReconnectBackoff = 1 * time.Second

	// DefaultMaxReconnectBackoff caps the reconnect delay
	DefaultMaxReconnectBackoff = 8 * time.Second
)

// State Constants
const (
	// DefaultStateBackend is the default persistence backend
	DefaultStateBackend = "file"

	// DefaultStatePath is the default state file
	DefaultStatePath = "stake_state.json"

	// DefaultStateKey is the key used by single-key backends
	DefaultStateKey = "stakebot:schedule"
)

// API Server Constants
// Log file rotation defaults
const (
	// DefaultLogMaxSizeMB rotates the log file at this size
	DefaultLogMaxSizeMB = 5

	// DefaultLogMaxBackups is the number of rotated log files kept
	DefaultLogMaxBackups = 3
)

const (
	// DefaultAPIHost is the default API server host
	DefaultAPIHost = "localhost"

	// DefaultAPIPort is the default API server port
	DefaultAPIPort = 9090

	// MinPort is the minimum valid port number
	MinPort = 1

	// MaxPort is the maximum valid port number
	MaxPort = 65535

	// DefaultReadTimeout is the default HTTP read timeout
	DefaultReadTimeout = 15 * time.Second

	// DefaultWriteTimeout is the default HTTP write timeout
	DefaultWriteTimeout = 15 * time.Second

	// DefaultIdleTimeout is the default HTTP idle timeout
	DefaultIdleTimeout = 60 * time.Second

	// DefaultShutdownTimeout is the default graceful shutdown timeout
	DefaultShutdownTimeout = 30 * time.Second

	// DefaultMaxHeaderBytes is the default maximum request header size (1 MB)
	DefaultMaxHeaderBytes = 1 << 20
)

// API Paths
const (
	DefaultHealthPath   = "/health"
	DefaultVersionPath  = "/version"
	DefaultMetricsPath  = "/metrics"
	DefaultSchedulePath = "/schedule"
)

// Metrics Constants
const (
	// DefaultMetricsNamespace prefixes every exported metric
	DefaultMetricsNamespace = "stakebot"
)
