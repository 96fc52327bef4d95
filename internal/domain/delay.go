package domain

import "time"

// Delay is a leaf that suspends until a scheduled instant.
type Delay struct {
	base
	duration time.Duration
	now      func() time.Time
}

func NewDelay(id string, parent Node, duration time.Duration) *Delay {
	return &Delay{base: newLeafBase(id, "delay", parent), duration: duration, now: time.Now}
}

func (d *Delay) Handle(ch Channel, msg Message) error {
	consumed, err := handleGenericLeaf(&d.base, ch, msg)
	if err != nil || consumed {
		return err
	}
	switch msg.Name {
	case MsgStart:
		d.state = StateActive
		instant := d.now().Add(d.duration).Unix()
		return ch.ScheduleEvent(d.id, MsgTimeout, instant)
	case MsgTimeout:
		if d.state != StateActive {
			return nil
		}
		d.state = StateCompleted
		return d.sendToParent(ch, MsgCompleted, nil)
	}
	return nil
}

func (d *Delay) Snapshot() NodeSnapshot {
	return d.snapshotSelf()
}

func (d *Delay) Restore(snap NodeSnapshot) error {
	return d.restoreSelf(snap)
}
