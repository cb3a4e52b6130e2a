package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/aridsondez/leaseq/internal/log"
	"github.com/aridsondez/leaseq/internal/metrics"
	"github.com/aridsondez/leaseq/internal/queue/store"
)

// Sweeper periodically clears the claim token of lapsed leases. Claim
// already treats lapsed leases as eligible; sweeping only makes their
// released state visible in the table and in metrics.
type Sweeper struct {
	store    store.Store
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

func New(store store.Store, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:    store,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start blocks until ctx is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Infof("sweeper started, interval: %s", s.interval)

	for {
		select {
		case <-ctx.Done():
			log.Infof("sweeper stopped (context cancelled)")
			return

		case <-s.stopCh:
			log.Infof("sweeper stopped (stop signal)")
			return

		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep and returns the number of leases cleared.
func (s *Sweeper) RunOnce(ctx context.Context) int {
	start := time.Now()
	count, err := s.store.Sweep(ctx)
	metrics.SweeperDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.SweeperErrors.Inc()
		log.ErrorFields("sweep failed", err, nil)
		return 0
	}
	if count > 0 {
		metrics.LeasesExpired.Add(float64(count))
		log.InfoFields("sweeper cleared lapsed leases", map[string]any{"count": count})
	}
	return count
}

func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}
