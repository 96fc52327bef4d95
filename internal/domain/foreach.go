package domain

// Foreach selects an iterable from context and runs its body once per
// element, injecting inst:current, inst:iteration and inst:selection
// into its local scope.
type Foreach struct {
	base
	selectExpr string
	eval       Evaluator
}

func NewForeach(id string, parent Node, selectExpr string, eval Evaluator) *Foreach {
	return &Foreach{base: newComplexBase(id, "foreach", parent), selectExpr: selectExpr, eval: eval}
}

func (f *Foreach) SetChildren(children []Node) {
	f.setChildren(children)
	for _, c := range children {
		c.setParent(f)
	}
}

func (f *Foreach) SetFaultHandler(fh *FaultHandler) { f.faults = fh }

func (f *Foreach) selection() ([]any, error) {
	env := f.ownCtx.AsDictionary()
	v, err := f.eval.Eval(f.selectExpr, map[string]any{"context": env})
	if err != nil {
		return nil, err
	}
	switch s := v.(type) {
	case []any:
		return s, nil
	case nil:
		return nil, nil
	default:
		return nil, NewBureaucratError(ErrCodeInvalidInput, "foreach select did not evaluate to a list", nil)
	}
}

func (f *Foreach) Handle(ch Channel, msg Message) error {
	consumed, err := handleGenericComplex(f, &f.base, ch, msg)
	if err != nil || consumed {
		return err
	}
	switch {
	case msg.Name == MsgStart && f.state == StateReady:
		items, err := f.selection()
		if err != nil {
			return err
		}
		if len(items) == 0 {
			f.state = StateCompleted
			return f.sendToParent(ch, MsgCompleted, nil)
		}
		f.state = StateActive
		f.applyDeclaredProps()
		f.ownCtx.props["inst:selection"] = items
		f.ownCtx.props["inst:iteration"] = int64(1)
		f.ownCtx.props["inst:current"] = items[0]
		return ch.Send(NewMessage(MsgStart, f.children[0].ID(), f.id, nil))
	case msg.Name == MsgCompleted:
		idx := f.childIndex(msg.Origin)
		if idx < 0 {
			return nil
		}
		if idx+1 < len(f.children) {
			return ch.Send(NewMessage(MsgStart, f.children[idx+1].ID(), f.id, nil))
		}
		itemsAny, _ := f.ownCtx.Get("inst:selection")
		items, _ := itemsAny.([]any)
		iterAny, _ := f.ownCtx.Get("inst:iteration")
		iteration := asInt(iterAny)
		if int(iteration) < len(items) {
			iteration++
			f.resetChildren()
			f.applyDeclaredProps()
			f.ownCtx.props["inst:selection"] = items
			f.ownCtx.props["inst:iteration"] = iteration
			f.ownCtx.props["inst:current"] = items[iteration-1]
			return ch.Send(NewMessage(MsgStart, f.children[0].ID(), f.id, nil))
		}
		f.state = StateCompleted
		return f.sendToParent(ch, MsgCompleted, nil)
	}
	return nil
}

// asInt coerces the iteration counter back to an integer: a freshly set
// value is int64, one restored from a JSON snapshot is float64.
func asInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	default:
		return 0
	}
}

func (f *Foreach) Snapshot() NodeSnapshot {
	snap := f.snapshotSelf()
	snap.LocalProps = f.ownCtx.LocalProps()
	return snap
}

func (f *Foreach) Restore(snap NodeSnapshot) error {
	return f.restoreSelf(snap)
}
