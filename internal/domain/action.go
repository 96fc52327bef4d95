package domain

// Action is a leaf that invokes an external participant. It shares its
// parent's context: the participant's response is written into that
// context, not a context of its own.
type Action struct {
	base
	participant string
}

func NewAction(id string, parent Node, participant string) *Action {
	return &Action{base: newLeafBase(id, "action", parent), participant: participant}
}

func (a *Action) Handle(ch Channel, msg Message) error {
	consumed, err := handleGenericLeaf(&a.base, ch, msg)
	if err != nil || consumed {
		return err
	}
	switch msg.Name {
	case MsgStart:
		a.state = StateActive
		return ch.Elaborate(a.participant, a.id, a.Ctx().AsDictionary())
	case MsgResponse:
		if a.state != StateActive {
			// A late response after termination; spurious.
			return nil
		}
		if errVal, hasErr := msg.Payload["error"]; hasErr {
			msgStr, _ := errVal.(string)
			a.Ctx().Throw(ErrCodeActionError, msgStr)
			a.state = StateAborted
			return a.sendToParent(ch, MsgFault, map[string]any{"code": ErrCodeActionError, "message": msgStr})
		}
		a.Ctx().Update(msg.Payload)
		a.state = StateCompleted
		return a.sendToParent(ch, MsgCompleted, nil)
	}
	return nil
}

func (a *Action) Snapshot() NodeSnapshot {
	return a.snapshotSelf()
}

func (a *Action) Restore(snap NodeSnapshot) error {
	return a.restoreSelf(snap)
}
