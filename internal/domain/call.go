package domain

import (
	"strings"

	"github.com/google/uuid"
)

// Call is a leaf that launches another process definition as a
// sub-process and completes when that sub-process completes. Launching
// goes through Channel.Launch rather than addressing the broker
// directly.
type Call struct {
	base
	processRef string // "$propname" resolved against context at start.
}

func NewCall(id string, parent Node, processRef string) *Call {
	return &Call{base: newLeafBase(id, "call", parent), processRef: processRef}
}

// resolveDefinition resolves the "$propname" reference against context.
func (c *Call) resolveDefinition() (string, error) {
	ref := c.processRef
	if !strings.HasPrefix(ref, "$") {
		return ref, nil
	}
	propname := strings.TrimPrefix(ref, "$")
	v, err := c.Ctx().Get(propname)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", NewBureaucratError(ErrCodeInvalidInput, "call process reference did not resolve to a string", nil)
	}
	return s, nil
}

func (c *Call) Handle(ch Channel, msg Message) error {
	consumed, err := handleGenericLeaf(&c.base, ch, msg)
	if err != nil || consumed {
		return err
	}
	switch msg.Name {
	case MsgStart:
		defXML, err := c.resolveDefinition()
		if err != nil {
			return err
		}
		c.state = StateActive
		return ch.Launch(defXML, uuid.NewString(), c.id)
	case MsgCompleted:
		if c.state != StateActive {
			return nil
		}
		c.state = StateCompleted
		return c.sendToParent(ch, MsgCompleted, nil)
	}
	return nil
}

func (c *Call) Snapshot() NodeSnapshot {
	return c.snapshotSelf()
}

func (c *Call) Restore(snap NodeSnapshot) error {
	return c.restoreSelf(snap)
}
