/*
sweeper.go - Periodic verification refresh

PURPOSE:
  Visits whose window has passed without a check-out must show up as
  INCOMPLETE for back-office review even if nobody touches them. The
  sweeper periodically re-derives verification for recent events that are
  still NOT_STARTED or IN_PROGRESS after their scheduled end.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Looks back Lookback days (cancelled-but-open visits included)
  - Each refresh is its own transaction; one failure does not stop the pass

USAGE:
  sweeper := NewVerificationSweeper(machine, store, logger)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - handlers.go: POST /api/events/{id}/refresh (manual refresh)
  - scheduling/verification.go: DefaultVerification
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/care-scheduler/scheduling"
)

type VerificationSweeper struct {
	Machine  *scheduling.Machine
	Store    scheduling.Store
	Interval time.Duration
	Lookback int // days
	Now      func() time.Time
	Location *time.Location

	log    zerolog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewVerificationSweeper(m *scheduling.Machine, store scheduling.Store, log zerolog.Logger) *VerificationSweeper {
	return &VerificationSweeper{
		Machine:  m,
		Store:    store,
		Interval: 15 * time.Minute,
		Lookback: 7,
		Now:      func() time.Time { return time.Now().UTC() },
		Location: time.UTC,
		log:      log.With().Str("component", "verification_sweeper").Logger(),
	}
}

func (s *VerificationSweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		return
	}
	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run()

	s.log.Info().Dur("interval", s.Interval).Msg("started")
}

func (s *VerificationSweeper) Stop() {
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

func (s *VerificationSweeper) run() {
	defer s.wg.Done()

	s.Sweep(context.Background())
	for {
		select {
		case <-s.ticker.C:
			s.Sweep(context.Background())
		case <-s.stop:
			return
		}
	}
}

// Sweep refreshes every stale event once and reports how many changed.
func (s *VerificationSweeper) Sweep(ctx context.Context) int {
	now := s.Now()
	today := scheduling.DateIn(now, s.Location)
	events, err := s.Store.ListEvents(ctx, scheduling.EventFilter{
		From:          today.AddDate(0, 0, -s.Lookback),
		To:            today,
		IncludeHidden: true,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("list events")
		return 0
	}

	changed := 0
	for _, ev := range events {
		if !stale(ev, now) {
			continue
		}
		r, err := s.Machine.Refresh(ctx, ev.ID)
		if err != nil {
			s.log.Error().Err(err).Str("event_id", string(ev.ID)).Msg("refresh failed")
			continue
		}
		if r.Event.Verification != ev.Verification {
			changed++
		}
	}
	if changed > 0 {
		s.log.Info().Int("changed", changed).Msg("verification refreshed")
	}
	return changed
}

func stale(ev scheduling.ScheduleEvent, now time.Time) bool {
	switch ev.Verification {
	case scheduling.VerificationNotStarted, scheduling.VerificationInProgress:
		return now.After(ev.EndAt)
	}
	return false
}
