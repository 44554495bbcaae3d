package core

import (
	"errors"
	"time"
)

// Engine defaults
const (
	DefaultReadTimeout    = 10 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
	DefaultIdleTimeout    = 60 * time.Second
	DefaultReadBufferSize = 16 << 10
	DefaultWorkers        = 512
	DefaultQueueSize      = 4

	// limiterTTL is how long a client's rate limiter outlives its last
	// connection.
	limiterTTL    = time.Minute
	sweepInterval = 10 * time.Second
)

// Error definitions
var (
	ErrServerClosed   = errors.New("core: server closed")
	ErrAlreadyServing = errors.New("core: engine is already serving")
)
