package domain

// Sequence, Case and the Process body share one activation/advance rule:
// start child 0 on activation, start the next child when the current one
// completes, self-complete when the last child completes.

func sequentialStart(b *base, ch Channel) error {
	if len(b.children) == 0 {
		b.state = StateCompleted
		return b.sendToParent(ch, MsgCompleted, nil)
	}
	b.state = StateActive
	return ch.Send(NewMessage(MsgStart, b.children[0].ID(), b.id, nil))
}

// sequentialChildCompleted advances past the child identified by
// msg.Origin. ok is false if the message did not originate from a direct
// child (nothing to do).
func sequentialChildCompleted(b *base, ch Channel, msg Message) (ok bool, err error) {
	idx := b.childIndex(msg.Origin)
	if idx < 0 {
		return false, nil
	}
	if idx+1 < len(b.children) {
		return true, ch.Send(NewMessage(MsgStart, b.children[idx+1].ID(), b.id, nil))
	}
	b.state = StateCompleted
	return true, b.sendToParent(ch, MsgCompleted, nil)
}
