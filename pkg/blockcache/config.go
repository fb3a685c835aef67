package blockcache

import (
	"fmt"
	"time"

	"github.com/cms-externals/xcache/pkg/logging"
)

// Config enumerates the configuration options the engine consumes from its
// host, plus the collaborator handles it is constructed with.
type Config struct {
	// BufferSize is the fixed block size B, in bytes. Power-of-two
	// recommended but not required.
	BufferSize int64

	// NRAMBuffersRead is N_read: the maximum number of RAM slots that may be
	// simultaneously busy with origin=Read.
	NRAMBuffersRead int

	// NRAMBuffersPrefetch is N_prefetch: the maximum number of RAM slots that
	// may be simultaneously busy with origin=Prefetch.
	NRAMBuffersPrefetch int

	// Username is the owner credential used when creating the data/info
	// files via OSFileFactory.Create.
	Username string

	// WriterFlushThreshold is how many un-fsynced block writes accumulate
	// before a sync job is scheduled. Zero defaults to 100.
	WriterFlushThreshold int

	// WriterPoolSize is the number of writer goroutines shared by all
	// engines registered with the same WriterHost. Zero defaults to 2.
	WriterPoolSize int

	// QueuePollInterval bounds how long the prefetch worker waits on the
	// task queue condition before attempting to self-generate a prefetch
	// task. Defaults to 100ms; exposed for tests that want a tighter loop,
	// but production hosts should leave it at the default.
	QueuePollInterval time.Duration

	Logger        *logging.Logger
	OSFiles       OSFileFactory
	Scheduler     Scheduler
	InfoExtension string // defaults to ".cinfo"
}

// DefaultConfig returns a Config with every tunable and the Logger and
// Scheduler handles defaulted; callers must still set OSFiles, which
// Validate requires.
func DefaultConfig() *Config {
	return &Config{
		BufferSize:           1 << 20, // 1 MiB
		NRAMBuffersRead:      4,
		NRAMBuffersPrefetch:  4,
		Username:             "",
		WriterFlushThreshold: 100,
		WriterPoolSize:       2,
		QueuePollInterval:    100 * time.Millisecond,
		Logger:               logging.NewLogger(logging.DefaultConfig()),
		Scheduler:            GoroutineScheduler{},
		InfoExtension:        ".cinfo",
	}
}

// Validate checks the config is internally consistent, filling in defaults
// for zero-valued tunables the way DefaultConfig does.
func (c *Config) Validate() error {
	if c.BufferSize <= 0 {
		return fmt.Errorf("blockcache: buffer_size must be positive, got %d", c.BufferSize)
	}
	if c.NRAMBuffersRead <= 0 {
		return fmt.Errorf("blockcache: n_ram_buffers_read must be positive, got %d", c.NRAMBuffersRead)
	}
	if c.NRAMBuffersPrefetch <= 0 {
		return fmt.Errorf("blockcache: n_ram_buffers_prefetch must be positive, got %d", c.NRAMBuffersPrefetch)
	}
	if c.WriterFlushThreshold <= 0 {
		c.WriterFlushThreshold = 100
	}
	if c.WriterPoolSize <= 0 {
		c.WriterPoolSize = 2
	}
	if c.QueuePollInterval <= 0 {
		c.QueuePollInterval = 100 * time.Millisecond
	}
	if c.InfoExtension == "" {
		c.InfoExtension = ".cinfo"
	}
	if c.Logger == nil {
		c.Logger = logging.NewLogger(logging.DefaultConfig())
	}
	if c.Scheduler == nil {
		c.Scheduler = GoroutineScheduler{}
	}
	if c.OSFiles == nil {
		return fmt.Errorf("blockcache: OSFiles factory is required")
	}
	return nil
}
