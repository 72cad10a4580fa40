package session

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casarerpa/core/internal/protocol"
)

type inbound struct {
	msgType protocol.MsgType
	payload []byte
}

// testServer upgrades one connection at a time and forwards traffic to
// channels the test can block on.
type testServer struct {
	srv      *httptest.Server
	messages chan inbound
	sessions chan *Session
	gone     chan string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		messages: make(chan inbound, 16),
		sessions: make(chan *Session, 4),
		gone:     make(chan string, 4),
	}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := Accept(w, r, Hooks{
			OnMessage: func(s *Session, msgType protocol.MsgType, payload []byte) {
				ts.messages <- inbound{msgType, payload}
			},
			OnDisconnect: func(s *Session) {
				ts.gone <- s.ID()
			},
		})
		require.NoError(t, err)
		ts.sessions <- s
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeMsg(t *testing.T, conn *websocket.Conn, msg any) {
	t.Helper()
	payload, err := protocol.Encode(msg)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, protocol.WriteFrame(&buf, payload))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, buf.Bytes()))
}

func readMsg(t *testing.T, conn *websocket.Conn) (protocol.MsgType, []byte) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	payload, err := protocol.ReadFrame(bytes.NewReader(data))
	require.NoError(t, err)
	typ, err := protocol.Peek(payload)
	require.NoError(t, err)
	return typ, payload
}

func awaitInbound(t *testing.T, ts *testServer) inbound {
	t.Helper()
	select {
	case in := <-ts.messages:
		return in
	case <-time.After(5 * time.Second):
		t.Fatal("no inbound message")
		return inbound{}
	}
}

func TestSessionRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)
	sess := <-ts.sessions

	writeMsg(t, conn, &protocol.Register{
		Header:  protocol.NewHeader(protocol.TypeRegister),
		RobotID: "robot-1",
	})

	in := awaitInbound(t, ts)
	assert.Equal(t, protocol.TypeRegister, in.msgType)
	reg, err := protocol.Decode[protocol.Register](in.payload)
	require.NoError(t, err)
	assert.Equal(t, "robot-1", string(reg.RobotID))

	require.NoError(t, sess.Send(&protocol.Welcome{
		Header:    protocol.NewHeader(protocol.TypeWelcome),
		SessionID: sess.ID(),
	}))

	typ, payload := readMsg(t, conn)
	assert.Equal(t, protocol.TypeWelcome, typ)
	welcome, err := protocol.Decode[protocol.Welcome](payload)
	require.NoError(t, err)
	assert.Equal(t, sess.ID(), welcome.SessionID)
}

func TestMalformedFramesAreDroppedNotFatal(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)
	<-ts.sessions

	// Truncated prefix, then garbage inside a valid frame.
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x00, 0x01}))
	var buf bytes.Buffer
	require.NoError(t, protocol.WriteFrame(&buf, []byte("not json")))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, buf.Bytes()))

	// The session survives and still delivers the next good message.
	writeMsg(t, conn, &protocol.Heartbeat{Header: protocol.NewHeader(protocol.TypeHeartbeat)})
	in := awaitInbound(t, ts)
	assert.Equal(t, protocol.TypeHeartbeat, in.msgType)
}

func TestUnknownTypesReachTheHandler(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)
	<-ts.sessions

	var buf bytes.Buffer
	require.NoError(t, protocol.WriteFrame(&buf, []byte(`{"type":"future_thing","ts":"2026-08-01T00:00:00Z"}`)))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, buf.Bytes()))

	in := awaitInbound(t, ts)
	assert.Equal(t, protocol.MsgType("future_thing"), in.msgType)
}

func TestSendFailsAfterClose(t *testing.T) {
	ts := newTestServer(t)
	ts.dial(t)
	sess := <-ts.sessions

	sess.Close("test")
	err := sess.Send(&protocol.Shutdown{Header: protocol.NewHeader(protocol.TypeShutdown)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")
}

func TestDisconnectHookFiresOnClientClose(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)
	sess := <-ts.sessions

	conn.Close()

	select {
	case id := <-ts.gone:
		assert.Equal(t, sess.ID(), id)
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect hook never fired")
	}
}

func TestSendRejectsUntypedMessages(t *testing.T) {
	ts := newTestServer(t)
	ts.dial(t)
	sess := <-ts.sessions

	err := sess.Send(map[string]any{"hello": "world"})
	require.Error(t, err)
}
