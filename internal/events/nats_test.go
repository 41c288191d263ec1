package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func TestSubject(t *testing.T) {
	e := New(StepAccepted, "run.1 x")
	assert.Equal(t, "runs.run_1_x.step.accepted", Subject("runs", e))
	assert.Equal(t, "runs._.run.started", Subject("runs", Event{Type: RunStarted}))
}

func TestNewNATSPublisher_RequiresConn(t *testing.T) {
	_, err := NewNATSPublisher(nil, "", nil)
	require.Error(t, err)
}

func TestNATSPublisher_Publish(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	ch := make(chan *nats.Msg, 4)
	sub, err := nc.ChanSubscribe("runs.run-1.>", ch)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	pub, err := NewNATSPublisher(nc, "", nil)
	require.NoError(t, err)

	e := New(StepAccepted, "run-1")
	e.Step = "architecture"
	e.Attempt = 2
	e.Data = map[string]any{"score": 8.5}
	require.NoError(t, pub.Publish(context.Background(), e))
	require.NoError(t, pub.Publish(context.Background(), New(RunStarted, "run-2")))
	require.NoError(t, pub.Flush())

	select {
	case msg := <-ch:
		assert.Equal(t, "runs.run-1.step.accepted", msg.Subject)
		var got Event
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, e.ID, got.ID)
		assert.Equal(t, "architecture", got.Step)
		assert.Equal(t, 2, got.Attempt)
		assert.Equal(t, 8.5, got.Data["score"])
	case <-time.After(2 * time.Second):
		t.Fatal("event not received")
	}

	select {
	case msg := <-ch:
		t.Fatalf("unexpected event on %s", msg.Subject)
	case <-time.After(100 * time.Millisecond):
	}

	assert.NoError(t, pub.Close(), "borrowed connections are left open")
	assert.True(t, nc.IsConnected())
}

func TestNewPublisher(t *testing.T) {
	p, err := NewPublisher(Config{}, nil)
	require.NoError(t, err)
	assert.IsType(t, Nop{}, p)

	server := startTestNATSServer(t)
	p, err = NewPublisher(Config{Enabled: true, URL: server.ClientURL(), SubjectPrefix: "gen"}, nil)
	require.NoError(t, err)
	np, ok := p.(*NATSPublisher)
	require.True(t, ok)
	assert.Equal(t, "gen", np.prefix)
	assert.NoError(t, p.Close())
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	ctx := context.Background()
	require.NoError(t, r.Publish(ctx, New(RunStarted, "a")))
	require.NoError(t, r.Publish(ctx, New(RunStarted, "b")))
	require.NoError(t, r.Publish(ctx, New(RunCompleted, "a")))

	assert.Equal(t, []Type{RunStarted, RunCompleted}, r.Types("a"))
	assert.Len(t, r.Events(), 3)
}
