package relay

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/livechart/pkg/livesocket"
	"github.com/go-go-golems/livechart/pkg/redisstream"
)

type sinkRecorder struct {
	mu     sync.Mutex
	frames []string
}

func (r *sinkRecorder) sink(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, string(data))
	return nil
}

func (r *sinkRecorder) Frames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.frames...)
}

func TestForwardFansOutInOrder(t *testing.T) {
	b := NewInMemory(zerolog.Nop())
	defer func() { _ = b.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cpu, mem := &sinkRecorder{}, &sinkRecorder{}
	_, err := b.Consume(ctx, Topic("cpu"), cpu.sink)
	require.NoError(t, err)
	_, err = b.Consume(ctx, Topic("mem"), mem.sink)
	require.NoError(t, err)

	forward := b.Forward("ws://example/live", Topic("cpu"), Topic("mem"))
	for _, frame := range []string{"1", "2", "3", "4"} {
		forward(livesocket.Message{Generation: 3, SessionID: "s", Data: []byte(frame)})
	}

	want := []string{"1", "2", "3", "4"}
	require.Eventually(t, func() bool { return len(cpu.Frames()) == 4 && len(mem.Frames()) == 4 }, time.Second, 5*time.Millisecond)
	require.Equal(t, want, cpu.Frames())
	require.Equal(t, want, mem.Frames())
}

func TestConsumeKeepsGoingAfterSinkError(t *testing.T) {
	b := NewInMemory(zerolog.Nop())
	defer func() { _ = b.Close() }()
	ctx, cancel := context.WithCancel(context.Background())

	r := &sinkRecorder{}
	c, err := b.Consume(ctx, "t", func(data []byte) error {
		_ = r.sink(data)
		if string(data) == "bad" {
			return errors.New("malformed")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "t", c.Topic())

	require.NoError(t, b.Publish("t", livesocket.Message{Data: []byte("bad")}))
	require.NoError(t, b.Publish("t", livesocket.Message{Data: []byte("good")}))
	require.Eventually(t, func() bool { return len(r.Frames()) == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	stopped := make(chan struct{})
	go func() {
		c.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop after cancel")
	}
}

func TestClosedBus(t *testing.T) {
	b := NewInMemory(zerolog.Nop())
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	require.True(t, errors.Is(b.Publish("t", livesocket.Message{}), ErrClosed))
	_, err := b.Consume(context.Background(), "t", func([]byte) error { return nil })
	require.True(t, errors.Is(err, ErrClosed))

	// forwarding into a closed bus is silent
	b.Forward("ws://x/")(livesocket.Message{Data: []byte("x")})
}

func TestNewPicksTransport(t *testing.T) {
	b, err := New(redisstream.Settings{}, zerolog.Nop())
	require.NoError(t, err)
	require.Nil(t, b.client)
	require.NoError(t, b.Close())

	_, err = New(redisstream.Settings{Enabled: true}, zerolog.Nop())
	require.Error(t, err)
}

func TestWatermillLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewWatermillLogger(zerolog.New(&buf).Level(zerolog.DebugLevel))

	l.Info("subscribed", watermill.LogFields{"topic": "cpu"})
	require.Contains(t, buf.String(), `"level":"debug"`)
	require.Contains(t, buf.String(), `"topic":"cpu"`)

	buf.Reset()
	l.Debug("chatter", nil)
	require.Empty(t, buf.String())

	buf.Reset()
	l.With(watermill.LogFields{"pubsub": "gochannel"}).Error("failed", errors.New("boom"), nil)
	require.Contains(t, buf.String(), `"error":"boom"`)
	require.Contains(t, buf.String(), `"pubsub":"gochannel"`)
	require.Contains(t, buf.String(), `"component":"watermill"`)
}
