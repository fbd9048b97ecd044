package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/talkilla/internal/metrics"
	"github.com/petervdpas/talkilla/internal/payload"
	"github.com/petervdpas/talkilla/internal/proto"
	"github.com/petervdpas/talkilla/internal/signaling"
)

const testSDP = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

func init() {
	gin.SetMode(gin.TestMode)
}

func newServer(t *testing.T, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	s := New(opts)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

// session is a raw HTTP client with its own cookie jar.
type session struct {
	t    *testing.T
	base string
	http *http.Client
}

func newSession(t *testing.T, base string) *session {
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &session{t: t, base: base, http: &http.Client{Jar: jar, Timeout: 5 * time.Second}}
}

func (s *session) post(path string, body any) *http.Response {
	s.t.Helper()
	b, err := json.Marshal(body)
	require.NoError(s.t, err)
	resp, err := s.http.Post(s.base+path, "application/json", bytes.NewReader(b))
	require.NoError(s.t, err)
	s.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (s *session) signin(nick string) {
	s.t.Helper()
	resp := s.post(signaling.PathSignin, signaling.Credentials{Nick: nick})
	require.Equal(s.t, http.StatusOK, resp.StatusCode)
}

func (s *session) stream(first bool) []proto.Message {
	s.t.Helper()
	resp := s.post(signaling.PathStream, proto.StreamRequest{FirstRequest: first})
	require.Equal(s.t, http.StatusOK, resp.StatusCode)
	var msgs []proto.Message
	require.NoError(s.t, json.NewDecoder(resp.Body).Decode(&msgs))
	return msgs
}

func types(msgs []proto.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Type
	}
	return out
}

func TestStream_WithoutSessionIsBadRequest(t *testing.T) {
	_, ts := newServer(t, Options{})
	resp := newSession(t, ts.URL).post(signaling.PathStream, proto.StreamRequest{FirstRequest: true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	c := signaling.New(ts.URL)
	assert.ErrorIs(t, c.Connect(context.Background()), signaling.ErrUnauthorized)
	assert.Equal(t, signaling.Unauthorized, c.State())
}

func TestStream_FirstRequestAnswersImmediately(t *testing.T) {
	_, ts := newServer(t, Options{PollTimeout: time.Minute})
	alice := newSession(t, ts.URL)
	alice.signin("alice")

	start := time.Now()
	assert.Empty(t, alice.stream(true))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestStream_TimesOutEmpty(t *testing.T) {
	_, ts := newServer(t, Options{PollTimeout: 50 * time.Millisecond})
	alice := newSession(t, ts.URL)
	alice.signin("alice")
	assert.Empty(t, alice.stream(false))
}

func TestSignin_AnnouncesJoinAndLeave(t *testing.T) {
	s, ts := newServer(t, Options{PollTimeout: 50 * time.Millisecond})
	alice := newSession(t, ts.URL)
	alice.signin("alice")
	bob := newSession(t, ts.URL)
	bob.signin("bob")
	bob.signin("bob")

	assert.Equal(t, []proto.User{{Nick: "alice", Presence: PresenceAvailable}, {Nick: "bob", Presence: PresenceAvailable}}, s.Users())

	resp := bob.post(signaling.PathSignout, signaling.Credentials{Nick: "bob"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	msgs := alice.stream(true)
	assert.Equal(t, []string{proto.WireUserJoined, proto.WireUserLeft}, types(msgs))
	var u proto.User
	require.NoError(t, json.Unmarshal(msgs[0].Data, &u))
	assert.Equal(t, "bob", u.Nick)

	resp = bob.post(signaling.PathStream, proto.StreamRequest{FirstRequest: true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSignin_RejectsBadNick(t *testing.T) {
	_, ts := newServer(t, Options{})
	resp := newSession(t, ts.URL).post(signaling.PathSignin, signaling.Credentials{Nick: "a b"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCallOffer_ReachesPeerAsIncomingCall(t *testing.T) {
	_, ts := newServer(t, Options{PollTimeout: time.Second})

	alice := signaling.New(ts.URL)
	_, err := alice.Signin(context.Background(), "alice")
	require.NoError(t, err)

	bob := signaling.New(ts.URL)
	_, err = bob.Signin(context.Background(), "bob")
	require.NoError(t, err)
	incoming := make(chan signaling.Event, 1)
	bob.On(signaling.MessageTopic(proto.WireIncomingCall), func(ev signaling.Event) { incoming <- ev })
	require.NoError(t, bob.Connect(context.Background()))
	t.Cleanup(bob.Close)

	_, err = alice.CallOffer(context.Background(), payload.Offer{
		Peer:   "bob",
		Offer:  webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP},
		CallID: "c1",
	})
	require.NoError(t, err)

	select {
	case ev := <-incoming:
		o, err := payload.DecodeOffer(ev.Data)
		require.NoError(t, err)
		assert.Equal(t, "alice", o.Peer)
		assert.Equal(t, "c1", o.CallID)
	case <-time.After(3 * time.Second):
		t.Fatal("bob never saw the offer")
	}
}

func TestCallEndpoints_Errors(t *testing.T) {
	_, ts := newServer(t, Options{})
	alice := signaling.New(ts.URL)

	_, err := alice.CallHangup(context.Background(), payload.Hangup{Peer: "bob"})
	var serr *signaling.StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusBadRequest, serr.StatusCode)

	_, err = alice.Signin(context.Background(), "alice")
	require.NoError(t, err)

	res, err := alice.CallHangup(context.Background(), payload.Hangup{Peer: "bob"})
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusNotFound, serr.StatusCode)
	assert.JSONEq(t, `{"error":"unknown peer"}`, string(res.Body))

	raw := newSession(t, ts.URL)
	raw.signin("carol")
	resp := raw.post(signaling.PathCallOffer, map[string]any{"peer": "alice"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPresenceRequest_PushesOtherUsers(t *testing.T) {
	_, ts := newServer(t, Options{})
	alice := newSession(t, ts.URL)
	alice.signin("alice")
	newSession(t, ts.URL).signin("bob")
	alice.stream(true)

	resp := alice.post(signaling.PathPresenceRequest, struct{}{})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	msgs := alice.stream(true)
	require.Equal(t, []string{proto.WireUsers}, types(msgs))
	var users []proto.User
	require.NoError(t, json.Unmarshal(msgs[0].Data, &users))
	assert.Equal(t, []proto.User{{Nick: "bob", Presence: PresenceAvailable}}, users)
}

func TestInitiateMove_AcceptsToCaller(t *testing.T) {
	_, ts := newServer(t, Options{})
	alice := newSession(t, ts.URL)
	alice.signin("alice")
	newSession(t, ts.URL).signin("bob")
	alice.stream(true)

	resp := alice.post(signaling.PathInitiateMove, payload.Move{Peer: "bob", CallID: "c9"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	msgs := alice.stream(true)
	require.Equal(t, []string{proto.WireMoveAccept}, types(msgs))
	m, err := payload.DecodeMove(msgs[0].Data)
	require.NoError(t, err)
	assert.Equal(t, "c9", m.CallID)
}

func TestQueue_DropsOldest(t *testing.T) {
	s, ts := newServer(t, Options{QueueCap: 2})
	alice := newSession(t, ts.URL)
	alice.signin("alice")

	before := testutil.ToFloat64(metrics.RelayQueueDropped)
	for _, typ := range []string{"a", "b", "c"} {
		require.True(t, s.push("alice", typ, nil))
	}
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.RelayQueueDropped))
	assert.Equal(t, []string{"b", "c"}, types(alice.stream(true)))
	assert.False(t, s.push("nobody", "a", nil))
}
