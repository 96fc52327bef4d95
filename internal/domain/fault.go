package domain

// Fault is a leaf that deliberately raises a fault. It always
// transitions itself to completed; the actual unwind is the parent's
// generic dispatch taking over on receipt of the "fault" message.
type Fault struct {
	base
	code    string
	message string
}

func NewFault(id string, parent Node, code, message string) *Fault {
	if code == "" {
		code = "terminate"
	}
	return &Fault{base: newLeafBase(id, "fault", parent), code: code, message: message}
}

func (f *Fault) Handle(ch Channel, msg Message) error {
	consumed, err := handleGenericLeaf(&f.base, ch, msg)
	if err != nil || consumed {
		return err
	}
	if msg.Name != MsgStart {
		return nil
	}
	f.state = StateCompleted
	return f.sendToParent(ch, MsgFault, map[string]any{"code": f.code, "message": f.message})
}

func (f *Fault) Snapshot() NodeSnapshot {
	return f.snapshotSelf()
}

func (f *Fault) Restore(snap NodeSnapshot) error {
	return f.restoreSelf(snap)
}
