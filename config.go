package steward

import "time"

// Config holds the coordination tunables shared by the engine's components.
type Config struct {
	// HeartbeatTimeout is how long a node may go without a heartbeat
	// before the health monitor marks it OFFLINE.
	HeartbeatTimeout time.Duration

	// ScanInterval is how often the health monitor sweeps for stale nodes.
	// It may be shorter than HeartbeatTimeout.
	ScanInterval time.Duration

	// StaleAfter bounds how old a recovered message may be before it is
	// discarded instead of reprocessed. Interactive chat tolerates no
	// late answers; a stale reply is worse than none.
	StaleAfter time.Duration

	// BlockTimeout is the upper bound on a single blocking stream read.
	// It keeps the consumer loop responsive to shutdown without busy-spin.
	BlockTimeout time.Duration

	// DLQMaxLen caps the dead-letter stream. Oldest entries are trimmed
	// on overflow.
	DLQMaxLen int64
}

// DefaultConfig returns a Config with the coordination defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout: 30 * time.Second,
		ScanInterval:     20 * time.Second,
		StaleAfter:       60 * time.Second,
		BlockTimeout:     5 * time.Second,
		DLQMaxLen:        10000,
	}
}
