package shm

import (
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/shmalloc/api"
	internalshm "github.com/srediag/shmalloc/internal/shm"
)

const (
	defaultLockTimeout = 5 * time.Second
	defaultOpenTimeout = time.Second
	defaultPerm        = os.FileMode(0600)

	// envDir overrides the default directory of named regions.
	envDir = "SHMALLOC_DIR"
)

// Config holds region creation and instrumentation parameters.
type Config struct {
	// Dir is where named regions live. Defaults to /dev/shm when it exists,
	// else the temp dir. SHMALLOC_DIR overrides the default.
	Dir string
	// Perm is the permission of created regions.
	Perm os.FileMode
	// LockTimeout bounds how long an operation waits for the region lock.
	LockTimeout time.Duration
	// OpenTimeout bounds how long Open waits for a creator to finish
	// initializing the region. Zero means a single attempt.
	OpenTimeout time.Duration
	// RemoveOnClose makes the creating process unlink the name on Close.
	// Other mappers keep working until they close.
	RemoveOnClose bool

	// Registerer receives the allocator's Prometheus collector when set.
	Registerer prometheus.Registerer
	// Meter and Tracer default to no-op implementations.
	Meter  metric.Meter
	Tracer trace.Tracer
	// Audit receives one event per allocator operation when set.
	Audit api.Audit
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	dir := os.Getenv(envDir)
	if dir == "" {
		dir = internalshm.DefaultDir()
	}
	return &Config{
		Dir:           dir,
		Perm:          defaultPerm,
		LockTimeout:   defaultLockTimeout,
		OpenTimeout:   defaultOpenTimeout,
		RemoveOnClose: true,
	}
}

// VerifyConfig checks that config is usable.
func VerifyConfig(config *Config) error {
	if config == nil {
		return fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	if config.Dir == "" {
		return fmt.Errorf("%w: Dir must not be empty", ErrInvalidConfig)
	}
	if info, err := os.Stat(config.Dir); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: Dir %s is not a directory", ErrInvalidConfig, config.Dir)
	}
	if config.Perm&^os.ModePerm != 0 || config.Perm&0600 != 0600 {
		return fmt.Errorf("%w: Perm %v must be a permission with owner read and write", ErrInvalidConfig, config.Perm)
	}
	if config.LockTimeout <= 0 {
		return fmt.Errorf("%w: LockTimeout must be positive, got %v", ErrInvalidConfig, config.LockTimeout)
	}
	if config.OpenTimeout < 0 {
		return fmt.Errorf("%w: OpenTimeout must not be negative, got %v", ErrInvalidConfig, config.OpenTimeout)
	}
	return nil
}
