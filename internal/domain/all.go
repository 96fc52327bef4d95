package domain

// All runs every child concurrently and completes once all of them have.
// Child start order is deterministic (declaration order) but responses
// may arrive in any order.
type All struct {
	base
}

func NewAll(id string, parent Node) *All {
	return &All{base: newComplexBase(id, "all", parent)}
}

func (a *All) SetChildren(children []Node) {
	a.setChildren(children)
	for _, c := range children {
		c.setParent(a)
	}
}

func (a *All) SetFaultHandler(fh *FaultHandler) { a.faults = fh }

func (a *All) Handle(ch Channel, msg Message) error {
	consumed, err := handleGenericComplex(a, &a.base, ch, msg)
	if err != nil || consumed {
		return err
	}
	switch {
	case msg.Name == MsgStart && a.state == StateReady:
		if len(a.children) == 0 {
			a.state = StateCompleted
			return a.sendToParent(ch, MsgCompleted, nil)
		}
		a.state = StateActive
		for _, c := range a.children {
			if err := ch.Send(NewMessage(MsgStart, c.ID(), a.id, nil)); err != nil {
				return err
			}
		}
		return nil
	case msg.Name == MsgCompleted:
		if !a.allFinal() {
			return nil
		}
		a.state = StateCompleted
		return a.sendToParent(ch, MsgCompleted, nil)
	}
	return nil
}

func (a *All) Snapshot() NodeSnapshot {
	snap := a.snapshotSelf()
	snap.LocalProps = a.ownCtx.LocalProps()
	return snap
}

func (a *All) Restore(snap NodeSnapshot) error {
	return a.restoreSelf(snap)
}
