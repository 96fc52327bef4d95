package domain

// Switch picks the first Case whose guard holds and runs it. Its
// children are always Case nodes.
type Switch struct {
	base
}

func NewSwitch(id string, parent Node) *Switch {
	return &Switch{base: newComplexBase(id, "switch", parent)}
}

func (s *Switch) SetChildren(children []Node) {
	s.setChildren(children)
	for _, c := range children {
		c.setParent(s)
	}
}

func (s *Switch) SetFaultHandler(fh *FaultHandler) { s.faults = fh }

func (s *Switch) Handle(ch Channel, msg Message) error {
	consumed, err := handleGenericComplex(s, &s.base, ch, msg)
	if err != nil || consumed {
		return err
	}
	switch {
	case msg.Name == MsgStart && s.state == StateReady:
		for _, c := range s.children {
			cs := c.(*Case)
			ok, err := cs.guardHolds()
			if err != nil {
				return err
			}
			if ok {
				s.state = StateActive
				return ch.Send(NewMessage(MsgStart, c.ID(), s.id, nil))
			}
		}
		s.state = StateCompleted
		return s.sendToParent(ch, MsgCompleted, nil)
	case msg.Name == MsgCompleted:
		// Exactly one case was ever started; its completion is ours.
		s.state = StateCompleted
		return s.sendToParent(ch, MsgCompleted, nil)
	}
	return nil
}

func (s *Switch) Snapshot() NodeSnapshot {
	snap := s.snapshotSelf()
	snap.LocalProps = s.ownCtx.LocalProps()
	return snap
}

func (s *Switch) Restore(snap NodeSnapshot) error {
	return s.restoreSelf(snap)
}

// Case is one branch of a Switch: an AND-joined list of conditions plus a
// body executed sequentially when the guard holds.
type Case struct {
	base
	conditions []string
	eval       Evaluator
}

func NewCase(id string, parent Node, conditions []string, eval Evaluator) *Case {
	c := &Case{base: newComplexBase(id, "case", parent), conditions: conditions, eval: eval}
	return c
}

func (c *Case) SetChildren(children []Node) {
	c.setChildren(children)
	for _, ch := range children {
		ch.setParent(c)
	}
}

func (c *Case) SetFaultHandler(fh *FaultHandler) { c.faults = fh }

// guardHolds evaluates every condition (AND semantics); a Case with no
// conditions always holds.
func (c *Case) guardHolds() (bool, error) {
	env := c.ownCtx.AsDictionary()
	for _, cond := range c.conditions {
		ok, err := c.eval.EvalBool(cond, map[string]any{"context": env})
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (c *Case) Handle(ch Channel, msg Message) error {
	consumed, err := handleGenericComplex(c, &c.base, ch, msg)
	if err != nil || consumed {
		return err
	}
	switch {
	case msg.Name == MsgStart && c.state == StateReady:
		return sequentialStart(&c.base, ch)
	case msg.Name == MsgCompleted:
		_, err := sequentialChildCompleted(&c.base, ch, msg)
		return err
	}
	return nil
}

func (c *Case) Snapshot() NodeSnapshot {
	snap := c.snapshotSelf()
	snap.LocalProps = c.ownCtx.LocalProps()
	return snap
}

func (c *Case) Restore(snap NodeSnapshot) error {
	return c.restoreSelf(snap)
}
