package schedule

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rojkov/bureaucrat/internal/channel"
	"github.com/rojkov/bureaucrat/internal/domain"
	"github.com/rojkov/bureaucrat/internal/storage"
)

type memBroker struct {
	published [][]byte
	queues    []string
}

func (b *memBroker) Publish(queue string, body []byte) error {
	b.queues = append(b.queues, queue)
	b.published = append(b.published, body)
	return nil
}

func newTestService(t *testing.T) (*Service, *memBroker, domain.Storage) {
	t.Helper()
	fs, err := storage.NewFileStore(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)
	broker := &memBroker{}
	ch := channel.New(broker, fs)
	return New(fs, ch, time.Minute), broker, fs
}

func TestSweepFiresDueEntries(t *testing.T) {
	svc, broker, fs := newTestService(t)
	svc.now = func() time.Time { return time.Unix(2000, 0) }

	require.NoError(t, svc.Register(domain.MsgTimeout, 1000, "proc_1"))
	require.NoError(t, svc.Sweep())

	keys, err := fs.Keys("schedule")
	require.NoError(t, err)
	assert.Empty(t, keys)

	require.Len(t, broker.published, 1)
	assert.Equal(t, channel.DefaultMessageQueue, broker.queues[0])
	var env struct {
		Name   string `json:"name"`
		Target string `json:"target"`
	}
	require.NoError(t, json.Unmarshal(broker.published[0], &env))
	assert.Equal(t, domain.MsgTimeout, env.Name)
	assert.Equal(t, "proc_1", env.Target)
}

func TestSweepLeavesFutureEntries(t *testing.T) {
	svc, broker, fs := newTestService(t)
	svc.now = func() time.Time { return time.Unix(1000, 0) }

	require.NoError(t, svc.Register(domain.MsgTimeout, 5000, "proc_1"))
	require.NoError(t, svc.Sweep())

	keys, err := fs.Keys("schedule")
	require.NoError(t, err)
	assert.Len(t, keys, 1)
	assert.Empty(t, broker.published)
}

func TestSweepFiresInChronologicalOrder(t *testing.T) {
	svc, broker, _ := newTestService(t)
	svc.now = func() time.Time { return time.Unix(9000, 0) }

	require.NoError(t, svc.Register("timeout", 3000, "proc_b"))
	require.NoError(t, svc.Register("timeout", 1000, "proc_a"))
	require.NoError(t, svc.Sweep())

	require.Len(t, broker.published, 2)
	var first, second struct {
		Target string `json:"target"`
	}
	require.NoError(t, json.Unmarshal(broker.published[0], &first))
	require.NoError(t, json.Unmarshal(broker.published[1], &second))
	assert.Equal(t, "proc_a", first.Target)
	assert.Equal(t, "proc_b", second.Target)
}

func TestCancelForRemovesMatchingEntries(t *testing.T) {
	svc, _, fs := newTestService(t)

	require.NoError(t, svc.Register(domain.MsgTimeout, 10, "proc_1"))
	require.NoError(t, svc.Register(domain.MsgTimeout, 10, "proc_2"))
	require.NoError(t, svc.CancelFor("proc_1"))

	keys, err := fs.Keys("schedule")
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}
