// Package channel implements domain.Channel: the single seam between the
// flow expression interpreter and everything external — the broker,
// participant workers, the timer service and the subscription registry.
// The broker client itself is an external dependency, so this package
// defines the minimal Broker interface the engine needs and leaves
// wiring a concrete AMQP client to the deployer.
package channel

import (
	"encoding/json"

	"github.com/rojkov/bureaucrat/internal/domain"
	"github.com/rojkov/bureaucrat/internal/utils"
)

// Broker is the minimal publish surface the engine's four durable queues
// are built on. A concrete implementation durably persists and
// redelivers; Channel itself assumes nothing about that beyond "Publish
// eventually gets consumed".
type Broker interface {
	// Publish enqueues body onto queue.
	Publish(queue string, body []byte) error
}

// Default queue names.
const (
	DefaultLaunchQueue      = "bureaucrat"
	DefaultMessageQueue     = "bureaucrat_msgs"
	DefaultEventQueue       = "bureaucrat_events"
	DefaultScheduleQueue    = "bureaucrat_schedule"
	DefaultForeignTaskQueue = "taskqueue"
)

// Queues names the four durable queues the engine serves plus the foreign
// task queue. Zero-valued fields fall back to the defaults above.
type Queues struct {
	Launch      string
	Control     string
	Event       string
	ScheduleReg string
	Foreign     string
}

// WithDefaults fills in every unset queue name.
func (q Queues) WithDefaults() Queues {
	return Queues{
		Launch:      utils.DefaultValue(q.Launch, DefaultLaunchQueue),
		Control:     utils.DefaultValue(q.Control, DefaultMessageQueue),
		Event:       utils.DefaultValue(q.Event, DefaultEventQueue),
		ScheduleReg: utils.DefaultValue(q.ScheduleReg, DefaultScheduleQueue),
		Foreign:     utils.DefaultValue(q.Foreign, DefaultForeignTaskQueue),
	}
}

// Channel wires domain.Channel to a Broker, a Storage (for subscription
// registration) and a participant adapter.
type Channel struct {
	broker  Broker
	storage domain.Storage
	adapter Adapter
	queues  Queues
}

// New constructs a Channel using the native participant adapter and the
// default queue names.
func New(broker Broker, storage domain.Storage) *Channel {
	q := Queues{}.WithDefaults()
	return &Channel{broker: broker, storage: storage, adapter: NewNativeAdapter(broker), queues: q}
}

// NewWithConfig constructs a Channel with an explicit adapter and queue
// names, used by the daemon to honor the taskqueue-type and queue-name
// configuration keys.
func NewWithConfig(broker Broker, storage domain.Storage, adapter Adapter, queues Queues) *Channel {
	return &Channel{broker: broker, storage: storage, adapter: adapter, queues: queues.WithDefaults()}
}

// QueueNames exposes the resolved queue names so the engine's consumers
// bind to the same queues this channel publishes to.
func (c *Channel) QueueNames() Queues { return c.queues }

// controlEnvelope is the wire shape of a control message
// (application/x-bureaucrat-message).
type controlEnvelope struct {
	Name    string         `json:"name"`
	Target  string         `json:"target"`
	Origin  string         `json:"origin"`
	Payload map[string]any `json:"payload,omitempty"`
}

func (c *Channel) Send(msg domain.Message) error {
	body, err := json.Marshal(controlEnvelope{Name: msg.Name, Target: msg.Target, Origin: msg.Origin, Payload: msg.Payload})
	if err != nil {
		return domain.NewBureaucratError(domain.ErrCodeParse, "failed to marshal control message", err)
	}
	return c.broker.Publish(c.queues.Control, body)
}

// Elaborate hands a unit of work to a participant through the configured
// adapter.
func (c *Channel) Elaborate(participant, originFEI string, ctx map[string]any) error {
	return c.adapter.Dispatch(participant, originFEI, ctx)
}

// ScheduleEvent publishes a registration to the schedule queue; the
// engine's schedule-registration consumer persists it under the storage
// lock.
func (c *Channel) ScheduleEvent(target, code string, instant int64) error {
	body, err := json.Marshal(ScheduleEntry{Target: target, Code: code, Instant: instant})
	if err != nil {
		return domain.NewBureaucratError(domain.ErrCodeParse, "failed to marshal schedule entry", err)
	}
	return c.broker.Publish(c.queues.ScheduleReg, body)
}

// Subscribe persists a one-shot event binding. Registration is a
// read-modify-free append keyed by event and target, so a plain locked
// Put suffices.
func (c *Channel) Subscribe(event, target string) error {
	body, err := json.Marshal(SubscriptionEntry{Event: event, Target: target})
	if err != nil {
		return domain.NewBureaucratError(domain.ErrCodeParse, "failed to marshal subscription entry", err)
	}
	release, err := c.storage.Lock()
	if err != nil {
		return err
	}
	defer release()
	return c.storage.Put("subscriptions", event+"/"+target, body)
}

// LaunchEnvelope is the body published to the launch queue: the raw
// definition plus the pid and parent FEI the sub-process should run
// under.
type LaunchEnvelope struct {
	Definition string `json:"definition"`
	PID        string `json:"pid"`
	ParentFEI  string `json:"parent,omitempty"`
}

func (c *Channel) Launch(defXML, pid, parentFEI string) error {
	body, err := json.Marshal(LaunchEnvelope{Definition: defXML, PID: pid, ParentFEI: parentFEI})
	if err != nil {
		return domain.NewBureaucratError(domain.ErrCodeParse, "failed to marshal launch envelope", err)
	}
	return c.broker.Publish(c.queues.Launch, body)
}

var _ domain.Channel = (*Channel)(nil)
