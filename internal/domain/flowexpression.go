package domain

import "fmt"

// Node is the common interface every flow expression kind implements,
// one variant per activity kind. A Node owns no pointers to other nodes
// other than its own children and a back-reference to its parent wired
// at tree-construction time; the only thing that survives a restart is
// the FEI string, never the pointer.
type Node interface {
	ID() string
	ParentID() string
	Kind() string
	GetState() State
	setParent(Node)
	parentNode() Node

	// Ctx returns the context this node evaluates against: its own if it
	// owns one, otherwise the nearest ancestor's.
	Ctx() *Context

	// Children returns the ordered child list (empty for leaves).
	Children() []Node

	// Handle is the single entry point a Workflow calls with every
	// inbound control message addressed anywhere in this node's subtree.
	// It performs FEI routing, the generic dispatch and, if the generic
	// phase did not consume the message, the kind-specific handler.
	Handle(ch Channel, msg Message) error

	// Snapshot captures this node's own state; callers recurse into
	// Children() themselves to build the full tree.
	Snapshot() NodeSnapshot

	// Restore applies a previously captured snapshot to this node. The
	// caller (the builder) has already verified snap.ID/snap.Type match.
	Restore(snap NodeSnapshot) error
}

// NodeSnapshot is the JSON-serializable mirror of one tree node.
// LocalProps is nil for kinds that do not own a context.
type NodeSnapshot struct {
	ID         string                  `json:"id"`
	Type       string                  `json:"type"`
	State      State                   `json:"state"`
	LocalProps map[string]any          `json:"localprops,omitempty"`
	Children   []NodeSnapshot          `json:"children,omitempty"`
	Extra      map[string]any          `json:"extra,omitempty"`
	Fault      map[string]NodeSnapshot `json:"fault,omitempty"`
}

// FaultCase is one <case codes="..."> branch of a <faults> handler
// attached to a complex node.
type FaultCase struct {
	Codes []string
	Body  Node
}

// FaultHandler is the optional recovery surface attached to a complex
// node: an ordered list of code-matched cases plus an optional default.
type FaultHandler struct {
	Cases   []FaultCase
	Default Node
}

// match returns the handler body for fault code, or nil if none matches.
func (fh *FaultHandler) match(code string) Node {
	if fh == nil {
		return nil
	}
	for _, c := range fh.Cases {
		for _, want := range c.Codes {
			if want == code {
				return c.Body
			}
		}
	}
	return fh.Default
}

// base holds the fields every node kind shares. Embed it and implement the
// kind-specific handler to get a full Node.
type base struct {
	id       string
	parentID string
	kind     string
	state    State
	children []Node
	parent   Node
	ownCtx   *Context // nil for leaves: they share the parent's context.
	declared map[string]any
	faults   *FaultHandler
	// handlingFault is set while routing messages into faults.match's
	// subtree instead of the node's ordinary children.
	handlingFault Node
}

// newComplexBase builds the base for a context-owning kind. parent may be
// nil only for the root Process. Its context chains under the parent's
// effective context.
func newComplexBase(id, kind string, parent Node) base {
	b := base{id: id, kind: kind, state: StateReady}
	if parent != nil {
		b.parentID = parent.ID()
		b.parent = parent
		b.ownCtx = NewContext(parent.Ctx())
	} else {
		b.ownCtx = NewContext(nil)
	}
	return b
}

// newLeafBase builds the base for a leaf kind, which shares its parent's
// context rather than owning one.
func newLeafBase(id, kind string, parent Node) base {
	return base{id: id, kind: kind, state: StateReady, parentID: parent.ID(), parent: parent}
}

// setChildren attaches the already-built child nodes (each constructed
// with this node passed as its parent) and is the second half of the
// two-phase build every complex kind requires: a complex node's context
// must exist before its children are built, so children are always
// constructed after the parent node itself.
func (b *base) setChildren(children []Node) {
	b.children = children
}

func (b *base) ID() string       { return b.id }
func (b *base) ParentID() string { return b.parentID }
func (b *base) Kind() string     { return b.kind }
func (b *base) GetState() State  { return b.state }
func (b *base) Children() []Node { return b.children }
func (b *base) setParent(p Node) { b.parent = p }
func (b *base) parentNode() Node { return b.parent }

// Ctx resolves the effective context: own if this node owns one, else the
// parent's.
func (b *base) Ctx() *Context {
	if b.ownCtx != nil {
		return b.ownCtx
	}
	if b.parent != nil {
		return b.parent.Ctx()
	}
	return nil
}

// findChild returns the direct child whose subtree contains target, or nil.
func (b *base) findChild(target string) Node {
	for _, c := range b.children {
		if TargetsSubtree(c.ID(), target) {
			return c
		}
	}
	return nil
}

// childIndex returns the position of the child identified by id, or -1.
func (b *base) childIndex(id string) int {
	for i, c := range b.children {
		if c.ID() == id {
			return i
		}
	}
	return -1
}

// allFinal reports whether every child is in a final state.
func (b *base) allFinal() bool {
	for _, c := range b.children {
		if !c.GetState().Final() {
			return false
		}
	}
	return true
}

// sendToParent publishes a control message addressed to this node's
// parent, originating from this node.
func (b *base) sendToParent(ch Channel, name string, payload map[string]any) error {
	return ch.Send(NewMessage(name, b.parentID, b.id, payload))
}

// terminateChildren fans out a terminate message to every non-final child.
func (b *base) terminateChildren(ch Channel) error {
	for _, c := range b.children {
		if c.GetState().Final() {
			continue
		}
		if err := ch.Send(NewMessage(MsgTerminate, c.ID(), b.id, nil)); err != nil {
			return err
		}
	}
	return nil
}

// resetChildren transitions every child back to ready and re-applies each
// context-owning descendant's declared properties, so While re-entry and
// Foreach iterations start from a clean body.
func (b *base) resetChildren() {
	for _, c := range b.children {
		resetSubtree(c)
	}
}

func resetSubtree(n Node) {
	type resetter interface{ reset() }
	if r, ok := n.(resetter); ok {
		r.reset()
	}
	for _, c := range n.Children() {
		resetSubtree(c)
	}
}

func (b *base) setState(s State) { b.state = s }

func (b *base) reset() {
	b.state = StateReady
	if b.ownCtx != nil {
		b.applyDeclaredProps()
	}
}

// SetDeclaredProps records the node's <context> properties as parsed from
// the definition and applies them to the local scope. The builder calls
// this once per context-owning node; resets re-apply the same set.
func (b *base) SetDeclaredProps(props map[string]any) {
	b.declared = props
	b.applyDeclaredProps()
}

func (b *base) applyDeclaredProps() {
	b.ownCtx.SetLocalProps(nil)
	for k, v := range b.declared {
		b.ownCtx.props[k] = v
	}
}

// snapshotSelf builds the NodeSnapshot shell common to every kind; callers
// fill in LocalProps as needed and recurse into Children. Fault handler
// bodies, if any, are always snapshotted under stable keys so a restore
// can tell which one (if any) was actively handling a fault.
func (b *base) snapshotSelf() NodeSnapshot {
	snap := NodeSnapshot{ID: b.id, Type: b.kind, State: b.state}
	for _, c := range b.children {
		snap.Children = append(snap.Children, c.Snapshot())
	}
	if b.faults != nil {
		snap.Fault = make(map[string]NodeSnapshot)
		for i, fc := range b.faults.Cases {
			snap.Fault[faultKey(i)] = fc.Body.Snapshot()
		}
		if b.faults.Default != nil {
			snap.Fault[faultDefaultKey] = b.faults.Default.Snapshot()
		}
		if b.handlingFault != nil {
			if snap.Extra == nil {
				snap.Extra = map[string]any{}
			}
			snap.Extra["handling_fault"] = b.handlingFault.ID()
		}
	}
	return snap
}

const faultDefaultKey = "default"

func faultKey(i int) string { return fmt.Sprintf("case:%d", i) }

func (b *base) restoreSelf(snap NodeSnapshot) error {
	if snap.ID != b.id || snap.Type != b.kind {
		return NewBureaucratError(ErrCodeInvariantViolated,
			fmt.Sprintf("snapshot mismatch at %s: want (%s,%s) got (%s,%s)", b.id, b.id, b.kind, snap.ID, snap.Type), nil)
	}
	if b.faults != nil {
		for i, fc := range b.faults.Cases {
			if fs, ok := snap.Fault[faultKey(i)]; ok {
				if err := RestoreTree(fc.Body, fs); err != nil {
					return err
				}
			}
		}
		if b.faults.Default != nil {
			if fs, ok := snap.Fault[faultDefaultKey]; ok {
				if err := RestoreTree(b.faults.Default, fs); err != nil {
					return err
				}
			}
		}
		b.handlingFault = nil
		if handlingID, ok := snap.Extra["handling_fault"].(string); ok {
			for _, fc := range b.faults.Cases {
				if fc.Body.ID() == handlingID {
					b.handlingFault = fc.Body
				}
			}
			if b.faults.Default != nil && b.faults.Default.ID() == handlingID {
				b.handlingFault = b.faults.Default
			}
		}
	}
	b.state = snap.State
	if b.ownCtx != nil {
		b.ownCtx.SetLocalProps(snap.LocalProps)
	}
	return nil
}

// handleGenericComplex runs the generic dispatch shared by every
// non-leaf kind: final-state and addressing filters, downward routing,
// fault intake, terminate fan-out, and the wind-down bookkeeping while
// aborting or canceling. It returns consumed=true when the message was
// fully handled here and the kind-specific handler must not also run.
func handleGenericComplex(n Node, b *base, ch Channel, msg Message) (consumed bool, err error) {
	// Ignore once final.
	if b.state.Final() {
		return true, nil
	}
	// Ignore anything not addressed to our subtree.
	if !TargetsSubtree(b.id, msg.Target) {
		return true, nil
	}
	// Not addressed to us exactly: forward down (routing, not generic
	// dispatch) and let the child run its own generic+kind handling.
	if msg.Target != b.id {
		if b.handlingFault != nil && TargetsSubtree(b.handlingFault.ID(), msg.Target) {
			return true, b.handlingFault.Handle(ch, msg)
		}
		child := b.findChild(msg.Target)
		if child == nil {
			return true, nil // malformed address, drop.
		}
		return true, child.Handle(ch, msg)
	}

	// From here msg.Target == b.id.

	// Out-of-band: a message arriving from the fault handler subtree
	// currently routing in our place.
	if b.handlingFault != nil && msg.Origin == b.handlingFault.ID() {
		switch msg.Name {
		case MsgCompleted:
			b.handlingFault = nil
			b.state = StateCompleted
			if b.ownCtx != nil {
				b.ownCtx.ClearFault()
			}
			return true, b.sendToParent(ch, MsgCompleted, nil)
		case MsgFault, MsgAborted, MsgCanceled:
			b.handlingFault = nil
			b.state = StateAborted
			return true, b.sendToParent(ch, MsgFault, msg.Payload)
		}
	}

	// Incoming fault while active: remember it and wind the children down.
	if msg.Name == MsgFault && b.state == StateActive {
		if b.ownCtx != nil {
			code, _ := msg.Payload["code"].(string)
			message, _ := msg.Payload["message"].(string)
			b.ownCtx.Throw(code, message)
		}
		b.state = StateAborting
		if err := b.terminateChildren(ch); err != nil {
			return true, err
		}
		if b.allFinal() {
			return true, finishAborting(n, b, ch)
		}
		return true, nil
	}

	// Terminate request: abort if running, cancel if never started.
	if msg.Name == MsgTerminate {
		switch b.state {
		case StateActive:
			b.state = StateAborting
		case StateReady:
			b.state = StateCanceling
		case StateAborting:
			// remain.
		default:
			return true, nil
		}
		if err := b.terminateChildren(ch); err != nil {
			return true, err
		}
		if b.state == StateAborting && b.handlingFault == nil && b.allFinal() {
			return true, finishAborting(n, b, ch)
		}
		if b.state == StateCanceling && b.allFinal() {
			b.state = StateCanceled
			return true, b.sendToParent(ch, MsgCanceled, nil)
		}
		return true, nil
	}

	// A child reported a final state while we were winding down. A
	// complex child that aborted reports with "fault" rather than
	// "aborted"; while already aborting that only counts as the child's
	// final report. A handler already in progress consumes these through
	// the handlingFault block above, never through a second
	// finishAborting.
	if msg.Name == MsgAborted || msg.Name == MsgCanceled || msg.Name == MsgCompleted || msg.Name == MsgFault {
		if b.state == StateAborting && b.handlingFault == nil && b.allFinal() {
			return true, finishAborting(n, b, ch)
		}
		if b.state == StateCanceling && b.allFinal() {
			b.state = StateCanceled
			return true, b.sendToParent(ch, MsgCanceled, nil)
		}
		if b.state == StateAborting || b.state == StateCanceling {
			// Still waiting on other children.
			return true, nil
		}
	}

	return false, nil
}

// finishAborting transitions an aborting complex node to its terminal
// outcome: recovered via a matching fault handler, or aborted with the
// fault propagated upward.
func finishAborting(n Node, b *base, ch Channel) error {
	if b.ownCtx != nil {
		if fault, ok := b.ownCtx.Fault(); ok {
			code, _ := fault["code"].(string)
			if handler := b.faults.match(code); handler != nil {
				b.handlingFault = handler
				return ch.Send(NewMessage(MsgStart, handler.ID(), b.id, nil))
			}
		}
	}
	b.state = StateAborted
	var payload map[string]any
	if b.ownCtx != nil {
		if fault, ok := b.ownCtx.Fault(); ok {
			payload = fault
		}
	}
	return b.sendToParent(ch, MsgFault, payload)
}

// handleGenericLeaf runs the simpler leaf protocol. Leaves never receive
// fault addressed to themselves under normal operation, but terminate is
// handled uniformly: canceled from ready, aborted from active.
func handleGenericLeaf(b *base, ch Channel, msg Message) (consumed bool, err error) {
	if b.state.Final() {
		return true, nil
	}
	if !TargetsSelf(b.id, msg.Target) {
		return true, nil // not for us; leaves have no children to forward to.
	}
	if msg.Name != MsgTerminate {
		return false, nil
	}
	switch b.state {
	case StateReady:
		b.state = StateCanceled
		return true, b.sendToParent(ch, MsgCanceled, nil)
	case StateActive:
		b.state = StateAborted
		return true, b.sendToParent(ch, MsgAborted, nil)
	default:
		return true, nil
	}
}
