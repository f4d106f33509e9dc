/*
scheduler.go - Periodic authorization expiry

PURPOSE:
  Moves ACTIVE and EXHAUSTED authorizations whose end date has fully
  elapsed to EXPIRED, on a fixed interval, so reservations stop being
  accepted against them even if nobody calls the admin endpoint.

DESIGN:
  - One background goroutine driven by a ticker
  - Runs once immediately on Start
  - Each run is a single Ledger.ExpireAuthorizations call; a failed run is
    logged and retried on the next tick

USAGE:
  s := NewExpiryScheduler(ledger, time.Hour, log)
  s.Start()
  // ... later
  s.Stop()

SEE ALSO:
  - handlers.go: Expire endpoint (manual run)
  - engine/ledger.go: ExpireAuthorizations
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/authunits/engine"
)

// runTimeout bounds a single expiry pass.
const runTimeout = time.Minute

// ExpiryScheduler runs authorization expiry in the background.
type ExpiryScheduler struct {
	Ledger        *engine.Ledger
	CheckInterval time.Duration
	Enabled       bool

	log    zerolog.Logger
	now    func() time.Time
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewExpiryScheduler(ledger *engine.Ledger, interval time.Duration, log zerolog.Logger) *ExpiryScheduler {
	return &ExpiryScheduler{
		Ledger:        ledger,
		CheckInterval: interval,
		Enabled:       interval > 0,
		log:           log.With().Str("component", "expiry").Logger(),
		now:           time.Now,
	}
}

// Start begins the scheduler. Calling Start twice is a no-op.
func (s *ExpiryScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log.Info().Msg("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run()

	s.log.Info().Dur("interval", s.CheckInterval).Msg("started")
}

// Stop stops the scheduler and waits for an in-flight run to finish.
func (s *ExpiryScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.log.Info().Msg("stopped")
}

func (s *ExpiryScheduler) run() {
	defer s.wg.Done()

	s.RunNow()
	for {
		select {
		case <-s.ticker.C:
			s.RunNow()
		case <-s.stop:
			return
		}
	}
}

// RunNow performs one expiry pass and returns how many authorizations expired.
func (s *ExpiryScheduler) RunNow() int {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	n, err := s.Ledger.ExpireAuthorizations(ctx, s.now().UTC())
	if err != nil {
		s.log.Error().Err(err).Msg("expiry run failed")
		return 0
	}
	if n > 0 {
		s.log.Info().Int("expired", n).Msg("authorizations expired")
	}
	return n
}
