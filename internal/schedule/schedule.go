// Package schedule implements the timer service: a durable registry of
// fire-at-instant control messages, swept on a periodic alarm.
package schedule

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rojkov/bureaucrat/internal/channel"
	"github.com/rojkov/bureaucrat/internal/domain"
)

// DefaultInterval is the production alarm period.
const DefaultInterval = 60 * time.Second

// Service periodically sweeps the "schedule" storage bucket and fires any
// entry whose instant has passed.
type Service struct {
	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	storage  domain.Storage
	ch       domain.Channel
	interval time.Duration
	now      func() time.Time
}

// New constructs a Service that polls storage every interval.
func New(storage domain.Storage, ch domain.Channel, interval time.Duration) *Service {
	return &Service{storage: storage, ch: ch, interval: interval, now: time.Now}
}

// SetNow overrides the clock, letting tests drive deterministic sweeps.
func (s *Service) SetNow(now func() time.Time) {
	s.now = now
}

// Start launches the sweep loop in the background.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return domain.NewBureaucratError(domain.ErrCodeInvalidState, "schedule service is already running", nil)
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	go s.run(runCtx)
	return nil
}

// Stop halts the sweep loop.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.cancel()
	s.running = false
}

func (s *Service) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(); err != nil {
				log.Error().Err(err).Msg("schedule sweep failed")
			}
		}
	}
}

// Register persists a (code, target) pair to fire once time reaches
// instant. Runs under the storage lock.
func (s *Service) Register(code string, instant int64, target string) error {
	body, err := json.Marshal(channel.ScheduleEntry{Code: code, Target: target, Instant: instant})
	if err != nil {
		return domain.NewBureaucratError(domain.ErrCodeParse, "failed to marshal schedule entry", err)
	}
	release, err := s.storage.Lock()
	if err != nil {
		return err
	}
	defer release()
	return s.storage.Put("schedule", channel.ScheduleKey(instant, target), body)
}

// Sweep publishes every due entry and removes it from storage. Exported
// so callers (and tests) can drive a deterministic sweep without waiting
// on the ticker. Read-then-delete runs under the storage lock.
func (s *Service) Sweep() error {
	release, err := s.storage.Lock()
	if err != nil {
		return err
	}
	defer release()
	keys, err := s.storage.Keys("schedule")
	if err != nil {
		return err
	}
	sort.Strings(keys) // ScheduleKey's epoch prefix makes this chronological.

	nowUnix := s.now().Unix()
	for _, key := range keys {
		raw, err := s.storage.Get("schedule", key)
		if err != nil {
			if err == domain.ErrNotFoundKey {
				continue // raced with a concurrent sweeper/delete.
			}
			return err
		}
		var entry channel.ScheduleEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return domain.NewBureaucratError(domain.ErrCodeParse, "corrupt schedule entry", err)
		}
		if entry.Instant > nowUnix {
			break // keys are chronological; nothing further is due.
		}
		if err := s.ch.Send(domain.NewMessage(entry.Code, entry.Target, entry.Target, nil)); err != nil {
			return err
		}
		if err := s.storage.Delete("schedule", key); err != nil {
			return err
		}
	}
	return nil
}

// CancelFor removes every pending schedule entry addressed at target.
// Terminating a node does not call it: a timer registered by a delay
// that was since terminated still fires, and the final node ignores it.
func (s *Service) CancelFor(target string) error {
	release, err := s.storage.Lock()
	if err != nil {
		return err
	}
	defer release()
	keys, err := s.storage.Keys("schedule")
	if err != nil {
		return err
	}
	for _, key := range keys {
		if strings.HasSuffix(key, "/"+target) {
			if err := s.storage.Delete("schedule", key); err != nil {
				return err
			}
		}
	}
	return nil
}
