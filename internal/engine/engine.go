// Package engine implements the engine loop: a strictly sequential
// consumer over four durable queues — launch, control, external-event
// and schedule-registration — that drives the flow expression trees to
// completion message by message. There are no in-memory continuations;
// every step commits a snapshot and returns to the broker.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/rojkov/bureaucrat/internal/bclog"
	"github.com/rojkov/bureaucrat/internal/channel"
	"github.com/rojkov/bureaucrat/internal/condition"
	"github.com/rojkov/bureaucrat/internal/domain"
	"github.com/rojkov/bureaucrat/internal/schedule"
	"github.com/rojkov/bureaucrat/internal/subscription"
	"github.com/rojkov/bureaucrat/internal/xmlsurface"
)

var tracer = otel.Tracer("bureaucrat/engine")

// Consumer is the subset of the broker client the engine needs to drain a
// queue; a concrete AMQP adapter satisfies it with prefetch=1 redelivery
// semantics, acking only after the dispatch commits.
type Consumer interface {
	// Consume delivers queue's messages to handler one at a time, acking
	// only when handler returns nil. It blocks until ctx is canceled.
	Consume(ctx context.Context, queue string, handler func([]byte) error) error
}

// Engine owns the live process trees, keyed by pid (root FEI), and the
// storage/channel/evaluator the flow expression nodes are built against.
type Engine struct {
	mu       sync.Mutex
	storage  domain.Storage
	ch       domain.Channel
	consumer Consumer
	eval     domain.Evaluator
	subs     *subscription.Service
	sched    *schedule.Service
	queues   channel.Queues
	trees    map[string]*domain.Workflow
}

// New constructs an Engine. storage, ch and sched must be wired to the
// same backing broker/storage pair.
func New(storage domain.Storage, ch domain.Channel, consumer Consumer, sched *schedule.Service, queues channel.Queues) *Engine {
	return &Engine{
		storage:  storage,
		ch:       ch,
		consumer: consumer,
		eval:     condition.New(),
		subs:     subscription.New(storage, ch),
		sched:    sched,
		queues:   queues.WithDefaults(),
		trees:    make(map[string]*domain.Workflow),
	}
}

// Run starts the four queue consumers and blocks until ctx is canceled or
// one of them returns a fatal error.
func (e *Engine) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	consumeQueue := func(queue string, handler func([]byte) error) {
		defer wg.Done()
		if err := e.consumer.Consume(ctx, queue, handler); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}

	wg.Add(4)
	go consumeQueue(e.queues.Launch, e.handleLaunch)
	go consumeQueue(e.queues.Control, e.handleControl)
	go consumeQueue(e.queues.Event, e.handleExternalEvent)
	go consumeQueue(e.queues.ScheduleReg, e.handleScheduleRegistration)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-ctx.Done():
		<-done
		return nil
	case err := <-errCh:
		return err
	}
}

// handleLaunch builds a fresh process tree from a definition, persists it
// and sends the first "start". A malformed definition is logged and the
// message dropped: the launch is acked and no instance is created.
func (e *Engine) handleLaunch(body []byte) error {
	env, ok := decodeLaunch(body)
	if !ok {
		return nil
	}

	_, span := tracer.Start(context.Background(), "engine.launch", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	proc, err := xmlsurface.Build(env.PID, env.ParentFEI, env.Definition, e.eval)
	if err != nil {
		log.Error().Err(err).Str("pid", env.PID).Msg("rejected process definition")
		return nil
	}
	wf := domain.NewWorkflow(env.PID, proc, env.Definition)

	e.mu.Lock()
	e.trees[env.PID] = wf
	e.mu.Unlock()

	if err := wf.Save(e.storage); err != nil {
		return err
	}

	log.Info().Str("pid", env.PID).Str("parent", env.ParentFEI).Msg("launched process")
	if err := proc.Handle(e.ch, domain.NewMessage(domain.MsgStart, env.PID, "", nil)); err != nil {
		return err
	}
	return wf.Save(e.storage)
}

// decodeLaunch accepts either the JSON launch envelope (sub-process
// launches via Channel.Launch) or a raw XML document published straight
// onto the launch queue, assigning a fresh pid to the latter.
func decodeLaunch(body []byte) (channel.LaunchEnvelope, bool) {
	var env channel.LaunchEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Definition != "" && env.PID != "" {
		return env, true
	}
	pid, err := xmlsurface.FreshPID()
	if err != nil {
		log.Error().Err(err).Msg("failed to allocate pid for launch")
		return channel.LaunchEnvelope{}, false
	}
	def := string(body)
	if _, err := xmlsurface.ParseDefinition(def); err != nil {
		log.Error().Err(err).Msg("discarded malformed launch message")
		return channel.LaunchEnvelope{}, false
	}
	return channel.LaunchEnvelope{Definition: def, PID: pid}, true
}

type controlEnvelope struct {
	Name    string         `json:"name"`
	Target  string         `json:"target"`
	Origin  string         `json:"origin"`
	Payload map[string]any `json:"payload,omitempty"`
}

// handleControl dispatches one control message into the tree it
// addresses, restoring the tree from storage first if this process isn't
// already resident: load, replay, route, persist. Malformed or
// unroutable messages are logged and dropped; storage errors propagate
// so the broker redelivers.
func (e *Engine) handleControl(body []byte) error {
	var env controlEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		log.Error().Err(err).Msg("discarded malformed control message")
		return nil
	}

	if env.Target == "" {
		// An unhandled fault (or a root completion) surfacing past the
		// tree: nothing inside the engine is addressed.
		log.Warn().Str("name", env.Name).Str("origin", env.Origin).Msg("dropped control message addressed to the outside world")
		return nil
	}

	_, span := tracer.Start(context.Background(), "engine.dispatch", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	wf, err := e.resolve(env.Target)
	if err != nil {
		var berr *domain.BureaucratError
		if errors.As(err, &berr) && berr.Code == domain.ErrCodeNotFound {
			log.Warn().Str("target", env.Target).Str("name", env.Name).Msg("dropped control message for unknown process")
			return nil
		}
		return err
	}

	bclog.For(env.Target).Str("name", env.Name).Str("origin", env.Origin).Msg("dispatching control message")
	msg := domain.NewMessage(env.Name, env.Target, env.Origin, env.Payload)
	if err := wf.Root.Handle(e.ch, msg); err != nil {
		return err
	}
	return wf.Save(e.storage)
}

// handleExternalEvent consumes one external event (JSON {event:…}) and
// fans it out to every subscribed FEI as a "triggered" control message
// via the subscription registry.
func (e *Engine) handleExternalEvent(body []byte) error {
	var env map[string]any
	if err := json.Unmarshal(body, &env); err != nil {
		log.Error().Err(err).Msg("discarded malformed external event")
		return nil
	}
	name, _ := env["event"].(string)
	if name == "" {
		log.Error().Msg("discarded external event without an event name")
		return nil
	}
	return e.subs.Fire(name, env)
}

// handleScheduleRegistration persists one timer registration; the
// Schedule service's periodic sweep delivers it later.
func (e *Engine) handleScheduleRegistration(body []byte) error {
	var entry channel.ScheduleEntry
	if err := json.Unmarshal(body, &entry); err != nil {
		log.Error().Err(err).Msg("discarded malformed schedule registration")
		return nil
	}
	return e.sched.Register(entry.Code, entry.Instant, entry.Target)
}

func pidOf(fei string) string {
	for i := 0; i < len(fei); i++ {
		if fei[i] == '_' {
			return fei[:i]
		}
	}
	return fei
}

// resolve returns the in-memory Workflow for the process owning target's
// FEI, restoring it from storage if this is the first touch since
// startup or a restart.
func (e *Engine) resolve(target string) (*domain.Workflow, error) {
	pid := pidOf(target)

	e.mu.Lock()
	wf, ok := e.trees[pid]
	e.mu.Unlock()
	if ok {
		return wf, nil
	}

	defXML, snap, err := domain.LoadInstance(e.storage, pid)
	if err != nil {
		return nil, err
	}
	parentFEI, _ := snap.Extra["parent"].(string)
	proc, err := xmlsurface.Build(pid, parentFEI, defXML, e.eval)
	if err != nil {
		return nil, err
	}
	if err := domain.RestoreTree(proc, snap); err != nil {
		return nil, err
	}

	wf = domain.NewWorkflow(pid, proc, defXML)
	e.mu.Lock()
	e.trees[pid] = wf
	e.mu.Unlock()
	return wf, nil
}

// Evict drops a process from the in-memory cache; the next message
// addressed to it reloads from storage. Mainly used by tests to exercise
// the restore path.
func (e *Engine) Evict(pid string) {
	e.mu.Lock()
	delete(e.trees, pid)
	e.mu.Unlock()
}
