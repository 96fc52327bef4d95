package domain

// Sequence executes its children strictly in order.
type Sequence struct {
	base
}

func NewSequence(id string, parent Node) *Sequence {
	return &Sequence{base: newComplexBase(id, "sequence", parent)}
}

func (s *Sequence) SetChildren(children []Node) {
	s.setChildren(children)
	for _, c := range children {
		c.setParent(s)
	}
}

func (s *Sequence) SetFaultHandler(fh *FaultHandler) { s.faults = fh }

func (s *Sequence) Handle(ch Channel, msg Message) error {
	consumed, err := handleGenericComplex(s, &s.base, ch, msg)
	if err != nil || consumed {
		return err
	}
	switch {
	case msg.Name == MsgStart && s.state == StateReady:
		return sequentialStart(&s.base, ch)
	case msg.Name == MsgCompleted:
		_, err := sequentialChildCompleted(&s.base, ch, msg)
		return err
	}
	return nil
}

func (s *Sequence) Snapshot() NodeSnapshot {
	snap := s.snapshotSelf()
	snap.LocalProps = s.ownCtx.LocalProps()
	return snap
}

func (s *Sequence) Restore(snap NodeSnapshot) error {
	return s.restoreSelf(snap)
}
