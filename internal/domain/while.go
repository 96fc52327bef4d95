package domain

// While re-enters its body for as long as its AND-joined condition list
// holds. The guard is checked both before the first iteration and after
// every full pass through the body.
type While struct {
	base
	conditions []string
	eval       Evaluator
}

func NewWhile(id string, parent Node, conditions []string, eval Evaluator) *While {
	return &While{base: newComplexBase(id, "while", parent), conditions: conditions, eval: eval}
}

func (w *While) SetChildren(children []Node) {
	w.setChildren(children)
	for _, c := range children {
		c.setParent(w)
	}
}

func (w *While) SetFaultHandler(fh *FaultHandler) { w.faults = fh }

func (w *While) guardHolds() (bool, error) {
	env := w.ownCtx.AsDictionary()
	for _, cond := range w.conditions {
		ok, err := w.eval.EvalBool(cond, map[string]any{"context": env})
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (w *While) Handle(ch Channel, msg Message) error {
	consumed, err := handleGenericComplex(w, &w.base, ch, msg)
	if err != nil || consumed {
		return err
	}
	switch {
	case msg.Name == MsgStart && w.state == StateReady:
		ok, err := w.guardHolds()
		if err != nil {
			return err
		}
		if !ok {
			w.state = StateCompleted
			return w.sendToParent(ch, MsgCompleted, nil)
		}
		return sequentialStart(&w.base, ch)
	case msg.Name == MsgCompleted:
		idx := w.childIndex(msg.Origin)
		if idx < 0 {
			return nil
		}
		if idx+1 < len(w.children) {
			return ch.Send(NewMessage(MsgStart, w.children[idx+1].ID(), w.id, nil))
		}
		// Body exhausted: re-check the guard.
		ok, err := w.guardHolds()
		if err != nil {
			return err
		}
		if !ok {
			w.state = StateCompleted
			return w.sendToParent(ch, MsgCompleted, nil)
		}
		w.resetChildren()
		return ch.Send(NewMessage(MsgStart, w.children[0].ID(), w.id, nil))
	}
	return nil
}

func (w *While) Snapshot() NodeSnapshot {
	snap := w.snapshotSelf()
	snap.LocalProps = w.ownCtx.LocalProps()
	return snap
}

func (w *While) Restore(snap NodeSnapshot) error {
	return w.restoreSelf(snap)
}
