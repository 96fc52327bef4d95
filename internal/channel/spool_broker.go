package channel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rojkov/bureaucrat/internal/domain"
)

// SpoolBroker is a durable, directory-backed Broker/Consumer pair: each
// queue is a directory under root, each message a file, consumed in
// publish order and removed only after the handler commits. It gives the
// daemon the broker contract the engine assumes (durable, FIFO, ack
// after commit, redelivery after a crash) without a broker server, and
// lets the launcher CLI publish into a daemon running in another
// process.
type SpoolBroker struct {
	root string
	seq  atomic.Uint64
	poll time.Duration
}

// NewSpoolBroker creates a SpoolBroker rooted at dir.
func NewSpoolBroker(dir string) (*SpoolBroker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, domain.NewBureaucratError(domain.ErrCodeStorageIO, "failed to create spool root", err)
	}
	return &SpoolBroker{root: dir, poll: 100 * time.Millisecond}, nil
}

func (b *SpoolBroker) queueDir(queue string) string {
	return filepath.Join(b.root, queue)
}

// Publish writes body as a new spool file whose name sorts after every
// message published earlier: nanosecond timestamp, a process-local
// sequence number for same-nanosecond publishes, and a uuid to keep
// concurrent publishers from colliding.
func (b *SpoolBroker) Publish(queue string, body []byte) error {
	dir := b.queueDir(queue)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.NewBureaucratError(domain.ErrCodeStorageIO, "failed to create spool queue", err)
	}
	name := fmt.Sprintf("%020d-%010d-%s", time.Now().UnixNano(), b.seq.Add(1), uuid.NewString())
	tmp := filepath.Join(dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return domain.NewBureaucratError(domain.ErrCodeStorageIO, "failed to write spool message", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		return domain.NewBureaucratError(domain.ErrCodeStorageIO, "failed to commit spool message", err)
	}
	return nil
}

// Consume polls queue's directory, delivering messages one at a time in
// name order. A message file is removed only after handler returns nil,
// so a crash mid-handler leaves it in place for redelivery, the same
// at-least-once contract a durable broker with prefetch=1 provides.
func (b *SpoolBroker) Consume(ctx context.Context, queue string, handler func([]byte) error) error {
	dir := b.queueDir(queue)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		name, ok, err := b.nextMessage(dir)
		if err != nil {
			return err
		}
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.poll):
			}
			continue
		}
		path := filepath.Join(dir, name)
		body, err := os.ReadFile(path)
		if err != nil {
			return domain.NewBureaucratError(domain.ErrCodeStorageIO, "failed to read spool message", err)
		}
		if err := handler(body); err != nil {
			return err
		}
		if err := os.Remove(path); err != nil {
			return domain.NewBureaucratError(domain.ErrCodeStorageIO, "failed to ack spool message", err)
		}
	}
}

func (b *SpoolBroker) nextMessage(dir string) (string, bool, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, domain.NewBureaucratError(domain.ErrCodeStorageIO, "failed to list spool queue", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || e.Name()[0] == '.' {
			continue
		}
		names = append(names, e.Name())
	}
	if len(names) == 0 {
		return "", false, nil
	}
	sort.Strings(names)
	return names[0], true, nil
}
