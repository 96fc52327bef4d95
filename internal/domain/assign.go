package domain

// Assign is a leaf that evaluates an expression and writes the result to
// a named property in one step.
type Assign struct {
	base
	property   string
	expression string
	eval       Evaluator
}

func NewAssign(id string, parent Node, property, expression string, eval Evaluator) *Assign {
	return &Assign{base: newLeafBase(id, "assign", parent), property: property, expression: expression, eval: eval}
}

func (a *Assign) Handle(ch Channel, msg Message) error {
	consumed, err := handleGenericLeaf(&a.base, ch, msg)
	if err != nil || consumed {
		return err
	}
	if msg.Name != MsgStart {
		return nil
	}
	env := a.Ctx().AsDictionary()
	value, err := a.eval.Eval(a.expression, map[string]any{"context": env})
	if err != nil {
		return err
	}
	if err := a.Ctx().Set(a.property, value); err != nil {
		return err
	}
	a.state = StateCompleted
	return a.sendToParent(ch, MsgCompleted, nil)
}

func (a *Assign) Snapshot() NodeSnapshot {
	return a.snapshotSelf()
}

func (a *Assign) Restore(snap NodeSnapshot) error {
	return a.restoreSelf(snap)
}
