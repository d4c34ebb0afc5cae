package helpers

import (
	"encoding/json"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// DialWS opens a socket to the /ws endpoint of the server at baseURL, bound
// to protocolSessionID when it is not empty.
func DialWS(t *testing.T, baseURL, protocolSessionID string) *websocket.Conn {
	t.Helper()

	u, err := url.Parse(strings.Replace(baseURL, "http", "ws", 1) + "/ws")
	if err != nil {
		t.Fatalf("bad server url: %v", err)
	}
	if protocolSessionID != "" {
		u.RawQuery = url.Values{"mcp_session": {protocolSessionID}}.Encode()
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

// ReadJSON reads one event, failing the test after two seconds.
func ReadJSON(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]interface{}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	return msg
}

// WriteJSON sends one event.
func WriteJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()

	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("failed to write event: %v", err)
	}
}

// Event builds a {"type": typ, ...fields} map.
func Event(typ string, fields map[string]interface{}) map[string]interface{} {
	msg := map[string]interface{}{"type": typ}
	for k, v := range fields {
		msg[k] = v
	}
	return msg
}

// MustJSON marshals v or fails the test.
func MustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()

	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}
	return data
}
