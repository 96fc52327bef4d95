package channel

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/rojkov/bureaucrat/internal/domain"
)

// Adapter formats an outgoing unit of work for a participant transport.
// Two shapes are supported, selected by BUREAUCRAT_TASKQUEUE_TYPE: the
// native workitem envelope and a foreign task-queue emulation. Either
// way the expected reply is a "response" control message carrying the
// participant's returned payload.
type Adapter interface {
	Dispatch(participant, originFEI string, ctx map[string]any) error
}

// WorkitemHeader addresses the reply: a participant copies Target and
// Origin into the "response" control message it sends back.
type WorkitemHeader struct {
	Message string `json:"message"`
	Target  string `json:"target"`
	Origin  string `json:"origin"`
}

// Workitem is the native wire shape handed to worker_<participant>.
type Workitem struct {
	Header WorkitemHeader `json:"header"`
	Fields map[string]any `json:"fields"`
}

// NativeAdapter publishes the native workitem shape to the participant's
// own worker queue.
type NativeAdapter struct {
	broker Broker
}

func NewNativeAdapter(broker Broker) *NativeAdapter {
	return &NativeAdapter{broker: broker}
}

// WorkerQueue names the queue a native participant consumes.
func WorkerQueue(participant string) string {
	return "worker_" + participant
}

func (a *NativeAdapter) Dispatch(participant, originFEI string, ctx map[string]any) error {
	item := Workitem{
		Header: WorkitemHeader{Message: domain.MsgResponse, Target: originFEI, Origin: originFEI},
		Fields: ctx,
	}
	body, err := json.Marshal(item)
	if err != nil {
		return domain.NewBureaucratError(domain.ErrCodeParse, "failed to marshal workitem", err)
	}
	return a.broker.Publish(WorkerQueue(participant), body)
}

// ForeignTask emulates a task-queue framework's envelope: the
// participant name becomes the task name, the workitem body rides as the
// single positional argument, and the reply is still a "response"
// control message addressed by the embedded header.
type ForeignTask struct {
	Task string `json:"task"`
	ID   string `json:"id"`
	Args []any  `json:"args"`
}

// ForeignAdapter publishes ForeignTask envelopes to a single shared task
// queue.
type ForeignAdapter struct {
	broker Broker
	queue  string
}

func NewForeignAdapter(broker Broker, queue string) *ForeignAdapter {
	if queue == "" {
		queue = DefaultForeignTaskQueue
	}
	return &ForeignAdapter{broker: broker, queue: queue}
}

func (a *ForeignAdapter) Dispatch(participant, originFEI string, ctx map[string]any) error {
	item := Workitem{
		Header: WorkitemHeader{Message: domain.MsgResponse, Target: originFEI, Origin: originFEI},
		Fields: ctx,
	}
	task := ForeignTask{Task: participant, ID: uuid.NewString(), Args: []any{item}}
	body, err := json.Marshal(task)
	if err != nil {
		return domain.NewBureaucratError(domain.ErrCodeParse, "failed to marshal foreign task", err)
	}
	return a.broker.Publish(a.queue, body)
}

var (
	_ Adapter = (*NativeAdapter)(nil)
	_ Adapter = (*ForeignAdapter)(nil)
)
