package domain

// Channel is the bus façade every flow expression node drives to make
// progress. It is the single seam between the interpreter and everything
// external: the broker, participant workers, the timer service and the
// subscription registry. Concrete transports (native/foreign task-queue
// adapters, an in-memory test double) live outside internal/domain and
// are injected at construction time.
type Channel interface {
	// Send enqueues a durable control message, typically addressed to a
	// sibling, a child or the node's own parent.
	Send(msg Message) error

	// Elaborate hands a unit of work to participant, addressed so the
	// reply (a "response" control message) is routed back to originFEI.
	// ctx is the context snapshot handed to the participant as its
	// workitem.
	Elaborate(participant, originFEI string, ctx map[string]any) error

	// ScheduleEvent persists a (code, target) pair to fire no earlier than
	// instant (epoch seconds); the Schedule service later publishes it as
	// a control message.
	ScheduleEvent(target, code string, instant int64) error

	// Subscribe persists a one-shot binding of event to target; when the
	// named event next fires, target receives a "triggered" control
	// message.
	Subscribe(event, target string) error

	// Launch publishes a sub-process definition to the engine's launch
	// queue, addressed to run under pid with parentFEI as its `parent`
	// attribute.
	Launch(defXML, pid, parentFEI string) error
}
