package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unlockbot/internal/transport"
	"unlockbot/pkg/logx"
)

type accepted struct {
	conn  *websocket.Conn
	hello frame
	path  string
}

func newSidecar(t *testing.T, registered bool) (*httptest.Server, <-chan accepted) {
	t.Helper()
	up := websocket.Upgrader{}
	ch := make(chan accepted, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var hello frame
		if err := conn.ReadJSON(&hello); err != nil {
			_ = conn.Close()
			return
		}
		_ = conn.WriteJSON(frame{Type: frameHello, Registered: registered})
		ch <- accepted{conn: conn, hello: hello, path: r.URL.Path}
	}))
	t.Cleanup(srv.Close)
	return srv, ch
}

func dial(t *testing.T, srv *httptest.Server, ch <-chan accepted, opts transport.DialOptions) (transport.Session, accepted) {
	t.Helper()
	d := NewDialer(Config{URL: srv.URL, DialTimeout: 2 * time.Second, RequestTimeout: 2 * time.Second}, logx.Nop())
	sess, err := d.Dial(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })

	select {
	case a := <-ch:
		t.Cleanup(func() { _ = a.conn.Close() })
		return sess, a
	case <-time.After(2 * time.Second):
		t.Fatal("sidecar did not accept")
		return nil, accepted{}
	}
}

func nextUpdate(t *testing.T, sess transport.Session) (transport.Update, bool) {
	t.Helper()
	select {
	case up, ok := <-sess.Updates():
		return up, ok
	case <-time.After(2 * time.Second):
		t.Fatal("no update")
		return transport.Update{}, false
	}
}

func TestEndpoint(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"http://127.0.0.1:8080":      "ws://127.0.0.1:8080/sessions/123",
		"https://bridge.local/api/":  "wss://bridge.local/api/sessions/123",
		"ws://localhost:9000/prefix": "ws://localhost:9000/prefix/sessions/123",
	}
	for in, want := range cases {
		d := NewDialer(Config{URL: in}, logx.Nop())
		got, err := d.endpoint("123")
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := NewDialer(Config{URL: "ftp://x"}, logx.Nop()).endpoint("1")
	assert.Error(t, err)
}

func TestDialSendsHelloAndDeliversEvents(t *testing.T) {
	t.Parallel()
	srv, ch := newSidecar(t, false)
	sess, side := dial(t, srv, ch, transport.DialOptions{AccountID: "15551234567", Credentials: []byte(`{"me":"x"}`)})

	assert.Equal(t, "/sessions/15551234567", side.path)
	assert.Equal(t, "15551234567", side.hello.Account)
	assert.JSONEq(t, `{"me":"x"}`, string(side.hello.Credentials))
	assert.False(t, sess.Registered())

	require.NoError(t, side.conn.WriteJSON(frame{Type: frameEvent, Event: eventConnection, Data: json.RawMessage(`{"phase":"connecting","qr":"2@abc"}`)}))
	up, ok := nextUpdate(t, sess)
	require.True(t, ok)
	require.NotNil(t, up.Connection)
	assert.Equal(t, "2@abc", up.Connection.QR)

	require.NoError(t, side.conn.WriteJSON(frame{Type: frameEvent, Event: eventConnection, Data: json.RawMessage(`{"phase":"open"}`)}))
	up, _ = nextUpdate(t, sess)
	assert.Equal(t, transport.PhaseOpen, up.Connection.Phase)
	assert.True(t, sess.Registered())

	require.NoError(t, side.conn.WriteJSON(frame{Type: frameEvent, Event: eventChannels, Data: json.RawMessage(`[{"id":"G1","open":true},{"id":"G2"}]`)}))
	up, _ = nextUpdate(t, sess)
	require.Equal(t, transport.UpdateChannels, up.Kind)
	require.Len(t, up.Channels, 2)
	require.NotNil(t, up.Channels[0].Open)
	assert.True(t, *up.Channels[0].Open)
	assert.Nil(t, up.Channels[1].Open)

	require.NoError(t, side.conn.WriteJSON(frame{Type: frameEvent, Event: eventMembership, Data: json.RawMessage(`{"id":"G3"}`)}))
	up, _ = nextUpdate(t, sess)
	assert.Equal(t, transport.Update{Kind: transport.UpdateMembership, ChannelID: "G3"}, up)

	require.NoError(t, side.conn.WriteJSON(frame{Type: frameEvent, Event: eventCredentials, Data: json.RawMessage(`{"k":2}`)}))
	up, _ = nextUpdate(t, sess)
	assert.Equal(t, transport.UpdateCredentials, up.Kind)
	assert.JSONEq(t, `{"k":2}`, string(up.Credentials))
}

func TestCallsAreCorrelated(t *testing.T) {
	t.Parallel()
	srv, ch := newSidecar(t, true)
	sess, side := dial(t, srv, ch, transport.DialOptions{AccountID: "1"})
	assert.True(t, sess.Registered())
	ctx := context.Background()

	type metaResult struct {
		meta transport.Metadata
		err  error
	}
	metaCh := make(chan metaResult, 1)
	go func() {
		m, err := sess.FetchMetadata(ctx, "G1")
		metaCh <- metaResult{m, err}
	}()
	var call frame
	require.NoError(t, side.conn.ReadJSON(&call))
	assert.Equal(t, frameCall, call.Type)
	assert.Equal(t, methodFetchMetadata, call.Method)
	assert.JSONEq(t, `{"id":"G1"}`, string(call.Params))
	assert.NotEmpty(t, call.ID)
	require.NoError(t, side.conn.WriteJSON(frame{Type: frameResult, ID: call.ID, OK: true,
		Data: json.RawMessage(`{"id":"G1","subject":"Group","participants":["a","b"]}`)}))
	res := <-metaCh
	require.NoError(t, res.err)
	assert.Equal(t, "Group", res.meta.Subject)
	assert.Len(t, res.meta.Participants, 2)

	errCh := make(chan error, 1)
	go func() { errCh <- sess.Send(ctx, "G1", "X") }()
	require.NoError(t, side.conn.ReadJSON(&call))
	assert.Equal(t, methodSend, call.Method)
	assert.JSONEq(t, `{"to":"G1","text":"X"}`, string(call.Params))
	require.NoError(t, side.conn.WriteJSON(frame{Type: frameResult, ID: call.ID, Error: "not-acceptable"}))
	err := <-errCh
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, err.Error(), "not-acceptable")

	codeCh := make(chan string, 1)
	go func() {
		code, _ := sess.RequestPairingCode(ctx, "1")
		codeCh <- code
	}()
	require.NoError(t, side.conn.ReadJSON(&call))
	assert.Equal(t, methodPairingCode, call.Method)
	require.NoError(t, side.conn.WriteJSON(frame{Type: frameResult, ID: call.ID, OK: true, Data: json.RawMessage(`{"code":"ABCD-1234"}`)}))
	assert.Equal(t, "ABCD-1234", <-codeCh)
}

func TestLookupUsesCache(t *testing.T) {
	t.Parallel()
	srv, ch := newSidecar(t, true)
	lookup := func(id string) (transport.Metadata, bool) {
		if id == "G1" {
			return transport.Metadata{ID: "G1", Subject: "cached"}, true
		}
		return transport.Metadata{}, false
	}
	_, side := dial(t, srv, ch, transport.DialOptions{AccountID: "1", Lookup: lookup})

	require.NoError(t, side.conn.WriteJSON(frame{Type: frameLookup, ID: "l1", Params: json.RawMessage(`{"id":"G1"}`)}))
	var reply frame
	require.NoError(t, side.conn.ReadJSON(&reply))
	assert.Equal(t, frameLookedUp, reply.Type)
	assert.Equal(t, "l1", reply.ID)
	var got lookupReply
	require.NoError(t, json.Unmarshal(reply.Data, &got))
	assert.True(t, got.Found)
	require.NotNil(t, got.Meta)
	assert.Equal(t, "cached", got.Meta.Subject)

	require.NoError(t, side.conn.WriteJSON(frame{Type: frameLookup, ID: "l2", Params: json.RawMessage(`{"id":"G9"}`)}))
	require.NoError(t, side.conn.ReadJSON(&reply))
	got = lookupReply{}
	require.NoError(t, json.Unmarshal(reply.Data, &got))
	assert.False(t, got.Found)
}

func TestRemoteCloseCarriesStatus(t *testing.T) {
	t.Parallel()
	srv, ch := newSidecar(t, true)
	sess, side := dial(t, srv, ch, transport.DialOptions{AccountID: "1"})

	require.NoError(t, side.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(closeStatusBase+transport.StatusLoggedOut, "logged out")))

	up, ok := nextUpdate(t, sess)
	require.True(t, ok)
	require.NotNil(t, up.Connection)
	assert.Equal(t, transport.PhaseClose, up.Connection.Phase)
	assert.Equal(t, transport.StatusLoggedOut, up.Connection.StatusCode)
	assert.Equal(t, "logged out", up.Connection.Reason)

	_, ok = nextUpdate(t, sess)
	assert.False(t, ok)
	assert.ErrorIs(t, sess.Send(context.Background(), "G1", "X"), transport.ErrSessionClosed)
}

func TestLocalCloseEndsUpdates(t *testing.T) {
	t.Parallel()
	srv, ch := newSidecar(t, true)
	sess, _ := dial(t, srv, ch, transport.DialOptions{AccountID: "1"})

	require.NoError(t, sess.Close())
	_, ok := nextUpdate(t, sess)
	assert.False(t, ok)
	assert.ErrorIs(t, sess.Logout(context.Background()), transport.ErrSessionClosed)
}
