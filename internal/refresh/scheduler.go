// Package refresh runs the periodic quota-reset trigger. Firing the
// near-free probe on a fixed cadence keeps every account's 5-hour reset
// countdown anchored to a known time.
package refresh

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sx2000cn/antigravity-pool/internal/config"
	"github.com/sx2000cn/antigravity-pool/internal/pool"
)

// Scheduler triggers a reset sweep across all quota groups every
// interval.
type Scheduler struct {
	pool     *pool.Pool
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a scheduler with the standard interval.
func New(p *pool.Pool) *Scheduler {
	return &Scheduler{pool: p, interval: config.AutoRefreshInterval}
}

// Start launches the background loop. Calling Start on a running
// scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	log.Info().
		Dur("interval", s.interval).
		Time("nextRun", time.Now().Add(s.interval)).
		Msg("auto refresh scheduled")

	go s.run(ctx, done)
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
			log.Info().Time("nextRun", time.Now().Add(s.interval)).Msg("auto refresh cycle complete")
		}
	}
}

// sweep fires the reset trigger for every group and refreshes the
// capacity table afterwards so the schedulers see the new headroom.
func (s *Scheduler) sweep(ctx context.Context) {
	summary, err := s.pool.TriggerQuotaReset(ctx, pool.GroupAll)
	if err != nil {
		log.Warn().Err(err).Msg("auto refresh trigger failed")
		return
	}
	log.Info().
		Int("accountsAffected", summary.AccountsAffected).
		Int("limitsCleared", summary.LimitsCleared).
		Msg("quota reset triggered")

	s.pool.RefreshAllCapacities(ctx)
}
