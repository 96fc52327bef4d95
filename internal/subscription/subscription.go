// Package subscription implements the event subscription registry: a
// one-shot mapping of event names to the FEIs awaiting them. Bindings
// are fire-then-forget; Await nodes do not re-subscribe.
package subscription

import (
	"encoding/json"
	"strings"

	"github.com/rojkov/bureaucrat/internal/channel"
	"github.com/rojkov/bureaucrat/internal/domain"
)

// Service looks up and fans out to every FEI subscribed to an event,
// then removes those bindings.
type Service struct {
	storage domain.Storage
	ch      domain.Channel
}

// New constructs a Service.
func New(storage domain.Storage, ch domain.Channel) *Service {
	return &Service{storage: storage, ch: ch}
}

// Fire delivers a "triggered" control message to every target subscribed
// to event, carrying payload under the "event" key, then clears those
// subscriptions.
func (s *Service) Fire(event string, payload any) error {
	release, err := s.storage.Lock()
	if err != nil {
		return err
	}
	defer release()
	keys, err := s.storage.Keys("subscriptions")
	if err != nil {
		return err
	}
	prefix := event + "/"
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		raw, err := s.storage.Get("subscriptions", key)
		if err != nil {
			if err == domain.ErrNotFoundKey {
				continue
			}
			return err
		}
		var entry channel.SubscriptionEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return domain.NewBureaucratError(domain.ErrCodeParse, "corrupt subscription entry", err)
		}
		msg := domain.NewMessage(domain.MsgTriggered, entry.Target, entry.Target, map[string]any{"event": payload})
		if err := s.ch.Send(msg); err != nil {
			return err
		}
		if err := s.storage.Delete("subscriptions", key); err != nil {
			return err
		}
	}
	return nil
}
