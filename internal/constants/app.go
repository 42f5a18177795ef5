package constants

import (
	"time"
)

// Chunk sizing
const (
	// ChunkSize - default size of each uploaded part (32 MB)
	//
	// Trade-offs:
	// - Smaller chunks = more HTTP requests but better progress granularity
	// - Larger chunks = better throughput but more memory per worker
	ChunkSize = 32 * 1024 * 1024

	// MinChunkSize - lower bound used by automatic chunk sizing (16 MB)
	MinChunkSize = 16 * 1024 * 1024

	// MaxChunkSize - upper bound used by automatic chunk sizing (64 MB)
	MaxChunkSize = 64 * 1024 * 1024

	// MinPartSize - AWS S3 minimum part size (5 MB, except last part)
	MinPartSize = 5 * 1024 * 1024

	// MaxS3PartSize - AWS S3 maximum part size (5 GB)
	MaxS3PartSize = 5 * 1024 * 1024 * 1024

	// MaxS3Parts - AWS S3 / MinIO maximum number of parts per upload
	MaxS3Parts = 10000

	// MaxAzureBlockSize - Azure maximum block size (4000 MB with large block support)
	MaxAzureBlockSize = 4000 * 1024 * 1024

	// MaxAzureBlocks - Azure maximum number of committed blocks per blob
	MaxAzureBlocks = 50000
)

// Concurrency
const (
	// DefaultConcurrency - default number of parts in flight per transfer
	DefaultConcurrency = 4

	// MaxConcurrency - hard cap on parts in flight (each holds one chunk buffer)
	MaxConcurrency = 32
)

// Retry configuration
const (
	// MaxAttempts - attempts per part before the session fails
	MaxAttempts = 3

	// RetryInitialDelay - backoff before the second attempt (500ms)
	RetryInitialDelay = 500 * time.Millisecond

	// RetryMultiplier - exponential growth factor between attempts
	RetryMultiplier = 2.0

	// RetryMaxDelay - backoff cap (8s), jitter is applied below this value
	RetryMaxDelay = 8 * time.Second

	// RetryJitter - randomization factor applied to each backoff interval
	RetryJitter = 0.5

	// PartAttemptTimeout - timeout for a single remote call (10 minutes)
	PartAttemptTimeout = 10 * time.Minute

	// AbortTimeout - time allowed for best-effort abort of a multipart upload
	AbortTimeout = 30 * time.Second
)

// Resume state
const (
	// MaxResumeAge - resume records older than this are discarded.
	// Aligned with AWS multipart upload expiry (7 days) and Azure uncommitted block expiry (7 days)
	MaxResumeAge = 7 * 24 * time.Hour

	// LockStaleTimeout - how long a ledger lock can be held before it's considered stale
	LockStaleTimeout = 30 * time.Minute

	// ResumeFileSuffix - suffix of file ledger journals
	ResumeFileSuffix = ".upload.resume"
)

// Event System
const (
	// EventBusDefaultBuffer - default buffer size for event channels (1000)
	EventBusDefaultBuffer = 1000

	// EventBusMaxBuffer - maximum buffer size for high-throughput scenarios (5000)
	EventBusMaxBuffer = 5000

	// ProgressSinkBuffer - retry events queued for an async sink before new ones are dropped
	ProgressSinkBuffer = 256

	// SinkDrainTimeout - how long the CLI waits for a sink to take the final events
	SinkDrainTimeout = 5 * time.Second
)

// UI Updates
const (
	// ProgressUpdateInterval - interval for progress log lines and bar refresh (250ms)
	ProgressUpdateInterval = 250 * time.Millisecond
)

// HTTP transport
const (
	HTTPIdleConnTimeout = 90 * time.Second

	HTTPTLSHandshakeTimeout = 60 * time.Second

	HTTPExpectContinueTimeout = 1 * time.Second

	HTTPDialTimeout = 30 * time.Second

	HTTPDialKeepAlive = 30 * time.Second
)

// Gateway
const (
	// GatewayDefaultAddr - listen address for the local multipart gateway
	GatewayDefaultAddr = "127.0.0.1:8480"

	// GatewayPartsDir - directory under the gateway root holding staged parts
	GatewayPartsDir = ".parts"
)
