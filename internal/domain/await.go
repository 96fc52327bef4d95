package domain

// Await is a leaf that suspends until a named event fires and an optional
// guard holds. A "triggered" delivery whose guard fails does not
// re-subscribe: the node stays active with its subscription already
// consumed, so a later event for the same name is simply missed.
type Await struct {
	base
	event      string
	conditions []string
	eval       Evaluator
}

func NewAwait(id string, parent Node, event string, conditions []string, eval Evaluator) *Await {
	return &Await{base: newLeafBase(id, "await", parent), event: event, conditions: conditions, eval: eval}
}

func (a *Await) guardHolds() (bool, error) {
	env := a.Ctx().AsDictionary()
	for _, cond := range a.conditions {
		ok, err := a.eval.EvalBool(cond, map[string]any{"context": env})
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Handle's "triggered" branch implements the subscription policy
// literally: a failed guard leaves the node active with no outstanding
// subscription.
func (a *Await) Handle(ch Channel, msg Message) error {
	consumed, err := handleGenericLeaf(&a.base, ch, msg)
	if err != nil || consumed {
		return err
	}
	switch msg.Name {
	case MsgStart:
		a.state = StateActive
		return ch.Subscribe(a.event, a.id)
	case MsgTriggered:
		if a.state != StateActive {
			return nil
		}
		if payload, ok := msg.Payload["event"]; ok {
			a.Ctx().Update(map[string]any{"event": payload})
		}
		ok, err := a.guardHolds()
		if err != nil {
			return err
		}
		if !ok {
			return nil // ignored: stays active, no automatic re-subscribe.
		}
		a.state = StateCompleted
		return a.sendToParent(ch, MsgCompleted, nil)
	}
	return nil
}

func (a *Await) Snapshot() NodeSnapshot {
	return a.snapshotSelf()
}

func (a *Await) Restore(snap NodeSnapshot) error {
	return a.restoreSelf(snap)
}
