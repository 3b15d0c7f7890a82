// Package health exposes liveness and readiness of the shared regions open in
// this process over HTTP.
package health

import (
	"errors"
	"fmt"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/shmalloc/pkg/shm"
)

const defaultMinFreeRatio = 0.05

// Options configures NewHandler.
type Options struct {
	// Regions lists the regions to check. Defaults to shm.Opened.
	Regions func() []*shm.Memory
	// MinFreeRatio is the share of each region's capacity that must be free
	// for the process to be ready. Defaults to 0.05.
	MinFreeRatio float64
	// Registerer, when set, also exports each check as a Prometheus gauge.
	Registerer prometheus.Registerer
	// Namespace prefixes the exported gauges.
	Namespace string
}

// NewHandler returns a handler serving /live and /ready.
//
// A region is live when its header validates and its lock can be taken. The
// process is ready when every region keeps at least MinFreeRatio free.
func NewHandler(opts Options) (healthcheck.Handler, error) {
	if opts.Regions == nil {
		opts.Regions = shm.Opened
	}
	if opts.MinFreeRatio == 0 {
		opts.MinFreeRatio = defaultMinFreeRatio
	}
	if opts.MinFreeRatio < 0 || opts.MinFreeRatio > 1 {
		return nil, fmt.Errorf("health: MinFreeRatio %v out of [0, 1]", opts.MinFreeRatio)
	}

	var h healthcheck.Handler
	if opts.Registerer != nil {
		h = healthcheck.NewMetricsHandler(opts.Registerer, opts.Namespace)
	} else {
		h = healthcheck.NewHandler()
	}
	h.AddLivenessCheck("regions", RegionsCheck(opts.Regions))
	h.AddReadinessCheck("free-space", FreeSpaceCheck(opts.Regions, opts.MinFreeRatio))
	return h, nil
}

// RegionsCheck fails when any region cannot report its occupancy.
func RegionsCheck(regions func() []*shm.Memory) healthcheck.Check {
	return func() error {
		var errs []error
		for _, m := range regions() {
			if _, err := m.Stats(); err != nil && !errors.Is(err, shm.ErrClosed) {
				errs = append(errs, fmt.Errorf("region %s: %w", m.Name(), err))
			}
		}
		return errors.Join(errs...)
	}
}

// FreeSpaceCheck fails when any region has less than minRatio of its
// capacity free.
func FreeSpaceCheck(regions func() []*shm.Memory, minRatio float64) healthcheck.Check {
	return func() error {
		var errs []error
		for _, m := range regions() {
			st, err := m.Stats()
			if err != nil {
				if !errors.Is(err, shm.ErrClosed) {
					errs = append(errs, fmt.Errorf("region %s: %w", m.Name(), err))
				}
				continue
			}
			if st.Capacity == 0 {
				continue
			}
			if ratio := float64(st.Free) / float64(st.Capacity); ratio < minRatio {
				errs = append(errs, fmt.Errorf("region %s: %.1f%% free, need %.1f%%",
					m.Name(), ratio*100, minRatio*100))
			}
		}
		return errors.Join(errs...)
	}
}
