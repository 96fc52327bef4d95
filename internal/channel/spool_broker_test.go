package channel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpoolBrokerDeliversInPublishOrder(t *testing.T) {
	b, err := NewSpoolBroker(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, b.Publish("q", []byte("one")))
	require.NoError(t, b.Publish("q", []byte("two")))
	require.NoError(t, b.Publish("q", []byte("three")))

	var got []string
	ctx, cancel := context.WithCancel(context.Background())
	err = b.Consume(ctx, "q", func(body []byte) error {
		got = append(got, string(body))
		if len(got) == 3 {
			cancel()
		}
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"one", "two", "three"}, got)
}

func TestSpoolBrokerRedeliversAfterHandlerError(t *testing.T) {
	b, err := NewSpoolBroker(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, b.Publish("q", []byte("msg")))

	boom := errors.New("boom")
	err = b.Consume(context.Background(), "q", func([]byte) error { return boom })
	assert.ErrorIs(t, err, boom)

	// The message was not acked, so a fresh consumer sees it again.
	var got string
	ctx, cancel := context.WithCancel(context.Background())
	_ = b.Consume(ctx, "q", func(body []byte) error {
		got = string(body)
		cancel()
		return nil
	})
	assert.Equal(t, "msg", got)
}

func TestSpoolBrokerSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	b1, err := NewSpoolBroker(dir)
	require.NoError(t, err)
	require.NoError(t, b1.Publish("q", []byte("durable")))

	b2, err := NewSpoolBroker(dir)
	require.NoError(t, err)
	var got string
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = b2.Consume(ctx, "q", func(body []byte) error {
		got = string(body)
		cancel()
		return nil
	})
	assert.Equal(t, "durable", got)
}
