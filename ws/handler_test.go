package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/lightspeed-session/config"
	"github.com/tcriess/lightspeed-session/types"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func write(t *testing.T, conn *websocket.Conn, event string, data map[string]interface{}) {
	raw, err := types.NewWireMessage(event, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func read(t *testing.T, conn *websocket.Conn, event string, v interface{}) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(eventTimeout)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	msg := types.WebsocketMessage{}
	require.NoError(t, json.Unmarshal(raw, &msg))
	require.Equal(t, event, msg.Event, "data: %s", msg.Data)
	if v != nil {
		require.NoError(t, json.Unmarshal(msg.Data, v))
	}
}

func TestWebsocket(t *testing.T) {
	f := newFixture(t, newSession("s1"))
	srv := httptest.NewServer(f.g)
	defer srv.Close()

	m := dial(t, srv)
	write(t, m, types.EventJoinRoom, map[string]interface{}{"sessionId": "s1", "userId": "m", "role": "moderator"})
	read(t, m, types.EventChatHistory, nil)

	p := dial(t, srv)
	write(t, p, types.EventJoinRoom, map[string]interface{}{"sessionId": "s1", "userId": "p", "role": "participant"})
	read(t, p, types.EventChatHistory, nil)
	read(t, m, types.EventUserJoined, nil)

	write(t, p, types.EventSendMessage, map[string]interface{}{"sessionId": "s1", "userId": "p", "username": "Pat", "message": "hello"})
	for _, conn := range []*websocket.Conn{m, p} {
		msg := types.NewMessage{}
		read(t, conn, types.EventNewMessage, &msg)
		assert.Equal(t, "hello", msg.Message)
		assert.Equal(t, "Pat", msg.Username)
	}

	write(t, p, types.EventSendMessage, map[string]interface{}{"sessionId": "s1", "userId": "m", "message": "impostor"})
	var errMsg string
	read(t, p, types.EventError, &errMsg)
	assert.Equal(t, MsgNotJoined, errMsg)

	// connection loss is a leave
	require.NoError(t, p.Close())
	left := types.UserRef{}
	read(t, m, types.EventUserLeft, &left)
	assert.Equal(t, "p", left.UserId)
	assert.Eventually(t, func() bool { return !f.presence.Contains("s1", "p") }, eventTimeout, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	require.NoError(t, f.g.Shutdown(ctx))
	require.NoError(t, m.SetReadDeadline(time.Now().Add(eventTimeout)))
	_, _, err := m.ReadMessage()
	assert.Error(t, err)
}

func TestWebsocketRequiresAuthentication(t *testing.T) {
	cfg := testConfig()
	cfg.OIDCConfigs = []config.OIDCConfig{{Name: "test", ProviderUrl: "http://127.0.0.1:1"}}
	f := newFixtureWith(t, cfg, nil, newSession("s1"))
	srv := httptest.NewServer(f.g)
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"?id_token=x&provider=other", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
