package app

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/protocol"
	"github.com/Songmengdi/mcp-feedback-collector-sub000/tests/helpers"
)

type stdioPeer struct {
	t   *testing.T
	in  *io.PipeWriter
	out *bufio.Scanner
}

func (p *stdioPeer) send(v interface{}) {
	p.t.Helper()
	line := append(helpers.MustJSON(p.t, v), '\n')
	_, err := p.in.Write(line)
	require.NoError(p.t, err)
}

func (p *stdioPeer) read() map[string]interface{} {
	p.t.Helper()
	lines := make(chan []byte, 1)
	go func() {
		if p.out.Scan() {
			lines <- append([]byte(nil), p.out.Bytes()...)
		}
		close(lines)
	}()
	select {
	case line, ok := <-lines:
		require.True(p.t, ok, "stdout closed")
		var msg map[string]interface{}
		require.NoError(p.t, json.Unmarshal(line, &msg))
		return msg
	case <-time.After(5 * time.Second):
		p.t.Fatal("timed out waiting for stdout")
		return nil
	}
}

// hangUp closes stdin and drains stdout until the server exits.
func (p *stdioPeer) hangUp() {
	p.t.Helper()
	require.NoError(p.t, p.in.Close())
	go func() {
		for p.out.Scan() {
		}
	}()
}

func startStdio(t *testing.T) (*stdioPeer, <-chan error) {
	t.Helper()

	cfg := helpers.NewTestConfig(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	cfg.PortBase = ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	if cfg.PortBase > 65535-50 {
		cfg.PortBase = 41000
	}
	cfg.PortRange = 50

	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- a.RunStdio(context.Background(), inR, outW)
		_ = outW.Close()
	}()
	t.Cleanup(func() { _ = inW.Close() })

	return &stdioPeer{t: t, in: inW, out: bufio.NewScanner(outR)}, done
}

func TestRunStdioFeedbackRoundTrip(t *testing.T) {
	peer, done := startStdio(t)

	peer.send(map[string]interface{}{"jsonrpc": "2.0", "id": 1, "method": "initialize", "params": map[string]interface{}{}})
	initResp := peer.read()
	assert.EqualValues(t, 1, initResp["id"])
	require.NotNil(t, initResp["result"])

	peer.send(map[string]interface{}{
		"jsonrpc": "2.0", "id": 2, "method": "tools/call",
		"params": map[string]interface{}{
			"name":      "collect_feedback",
			"arguments": map[string]interface{}{"work_summary": "refactored the parser"},
		},
	})

	note := peer.read()
	require.Equal(t, "notifications/message", note["method"])
	data := note["params"].(map[string]interface{})["data"].(map[string]interface{})
	pageURL, err := url.Parse(data["url"].(string))
	require.NoError(t, err)
	port, err := strconv.Atoi(pageURL.Port())
	require.NoError(t, err)
	psid := pageURL.Query().Get(protocol.QueryProtocolSession)
	assert.Contains(t, psid, "stdio-")

	ws := helpers.DialWS(t, "http://127.0.0.1:"+strconv.Itoa(port), psid)
	helpers.WriteJSON(t, ws, helpers.Event(protocol.TypeRequestSession, nil))
	assigned := helpers.ReadJSON(t, ws)
	require.Equal(t, protocol.TypeSessionAssigned, assigned["type"])
	assert.Equal(t, data["session_id"], assigned["session_id"])
	assert.Contains(t, assigned["work_summary"], "refactored the parser")

	helpers.WriteJSON(t, ws, helpers.Event(protocol.TypeSubmitFeedback, map[string]interface{}{
		"sessionId": assigned["session_id"],
		"text":      "looks good",
		"timestamp": time.Now().UnixMilli(),
	}))
	assert.Equal(t, protocol.TypeFeedbackSubmitted, helpers.ReadJSON(t, ws)["type"])

	callResp := peer.read()
	assert.EqualValues(t, 2, callResp["id"])
	raw, err := json.Marshal(callResp["result"])
	require.NoError(t, err)
	assert.Contains(t, string(raw), "looks good")

	peer.hangUp()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stdio server did not stop on EOF")
	}
}

func TestRunStdioDisconnectCancelsPendingCall(t *testing.T) {
	peer, done := startStdio(t)

	peer.send(map[string]interface{}{
		"jsonrpc": "2.0", "id": 7, "method": "tools/call",
		"params": map[string]interface{}{
			"name":      "collect_feedback",
			"arguments": map[string]interface{}{"work_summary": "waiting forever"},
		},
	})
	note := peer.read()
	require.Equal(t, "notifications/message", note["method"])

	peer.hangUp()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stdio server did not stop on EOF")
	}
}
