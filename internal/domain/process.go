package domain

// Process is the root flow expression kind: it owns the top-level
// context and its children are the definition's body. Its FEI is the
// workflow instance UUID, except for a sub-process launched via Call,
// whose `parent` attribute addresses the Call leaf that spawned it.
type Process struct {
	base
}

// NewProcess constructs the root node. parentFEI is "" for a top-level
// workflow or the Call leaf's FEI for a sub-process.
func NewProcess(pid, parentFEI string) *Process {
	p := &Process{base: base{id: pid, kind: "process", state: StateReady, parentID: parentFEI}}
	p.ownCtx = NewContext(nil)
	return p
}

// SetChildren attaches the process body, built after the node itself so
// children can chain their context under p.ownCtx.
func (p *Process) SetChildren(children []Node) {
	p.setChildren(children)
	for _, c := range children {
		c.setParent(p)
	}
}

func (p *Process) SetFaultHandler(fh *FaultHandler) { p.faults = fh }

func (p *Process) Handle(ch Channel, msg Message) error {
	consumed, err := handleGenericComplex(p, &p.base, ch, msg)
	if err != nil || consumed {
		return err
	}
	switch {
	case msg.Name == MsgStart && p.state == StateReady:
		return sequentialStart(&p.base, ch)
	case msg.Name == MsgCompleted:
		_, err := sequentialChildCompleted(&p.base, ch, msg)
		return err
	}
	return nil
}

func (p *Process) Snapshot() NodeSnapshot {
	snap := p.snapshotSelf()
	snap.LocalProps = p.ownCtx.LocalProps()
	if p.parentID != "" {
		if snap.Extra == nil {
			snap.Extra = map[string]any{}
		}
		snap.Extra["parent"] = p.parentID
	}
	return snap
}

func (p *Process) Restore(snap NodeSnapshot) error {
	return p.restoreSelf(snap)
}
