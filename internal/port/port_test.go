package port

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/talkilla/internal/proto"
)

// newPair returns a served port and the raw transport on its other end.
func newPair(t *testing.T, id string) (*Port, Transport) {
	t.Helper()
	a, b := Pipe()
	p := New(id, a)
	t.Cleanup(func() { _ = p.Close() })
	return p, b
}

func receive(t *testing.T, tr Transport) proto.Envelope {
	t.Helper()
	ch := make(chan proto.Envelope, 1)
	go func() {
		env, err := tr.Receive()
		if err == nil {
			ch <- env
		}
	}()
	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return proto.Envelope{}
	}
}

func TestPort_PostPreservesOrder(t *testing.T) {
	p, peer := newPair(t, "p1")

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Post("n", i))
	}
	for i := 0; i < 5; i++ {
		env := receive(t, peer)
		assert.Equal(t, "n", env.Topic)
		assert.JSONEq(t, string(mustJSON(t, i)), string(env.Data))
	}
}

func TestPort_PostRejectsEmptyTopic(t *testing.T) {
	p, _ := newPair(t, "p1")
	assert.ErrorIs(t, p.Post("", 1), proto.ErrEmptyTopic)
}

func TestPort_PostRejectsUnserializable(t *testing.T) {
	p, _ := newPair(t, "p1")
	assert.Error(t, p.Post("t", func() {}))
}

func TestPort_ErrorUsesErrorTopic(t *testing.T) {
	p, peer := newPair(t, "p1")

	p.Error(assert.AnError)

	env := receive(t, peer)
	assert.Equal(t, ErrorTopic, env.Topic)
	var data ErrorData
	require.NoError(t, env.Decode(&data))
	assert.Equal(t, assert.AnError.Error(), data.Message)
}

func TestPort_ServeDispatchesInSubscriptionOrder(t *testing.T) {
	p, peer := newPair(t, "p1")

	got := make(chan string, 4)
	p.On("greet", func(proto.Envelope) { got <- "first" })
	p.On("greet", func(proto.Envelope) { got <- "second" })
	p.On(AnyTopic, func(env proto.Envelope) { got <- "any:" + env.Topic })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Serve(ctx) }()

	env, err := proto.NewEnvelope("greet", "hi")
	require.NoError(t, err)
	require.NoError(t, peer.Send(env))

	assert.Equal(t, "first", <-got)
	assert.Equal(t, "second", <-got)
	assert.Equal(t, "any:greet", <-got)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestPort_PostAfterClose(t *testing.T) {
	p, _ := newPair(t, "p1")
	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.Post("t", 1), ErrClosed)
	assert.NoError(t, p.Close())
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
