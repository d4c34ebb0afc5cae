package feedback

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/domain"
	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/hub"
	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/imagecheck"
	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/policy"
	promptstore "github.com/Songmengdi/mcp-feedback-collector-sub000/internal/prompts"
	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/protocol"
	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/session"
	"github.com/Songmengdi/mcp-feedback-collector-sub000/tests/helpers"
)

type recordingOpener struct {
	mu   sync.Mutex
	urls []string
}

func (o *recordingOpener) Open(url string) {
	o.mu.Lock()
	o.urls = append(o.urls, url)
	o.mu.Unlock()
}

func (o *recordingOpener) opened() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.urls...)
}

type fixture struct {
	store     *session.Store
	hub       *hub.Hub
	collector *Collector
	opener    *recordingOpener
}

func newFixture(t *testing.T, fallback domain.AssignFallback) *fixture {
	t.Helper()
	store := session.NewStore()
	h := hub.NewHub(nil)
	opener := &recordingOpener{}
	c := New(store, h, policy.MustNewEngine(), imagecheck.New(0), nil, opener, Settings{
		Port:         5123,
		Timeout:      time.Minute,
		BrowserDelay: 10 * time.Millisecond,
		Fallback:     fallback,
	}, nil)
	t.Cleanup(func() { store.CloseAll(domain.ErrShutdown) })
	return &fixture{store: store, hub: h, collector: c, opener: opener}
}

func (f *fixture) connect(protocolSessionID string) *hub.Connection {
	conn := f.hub.NewConnection(nil, protocolSessionID)
	f.hub.Register(conn)
	return conn
}

func receive(t *testing.T, conn *hub.Connection) map[string]interface{} {
	t.Helper()
	select {
	case data := <-conn.Send:
		var msg map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func assertNoMessage(t *testing.T, conn *hub.Connection) {
	t.Helper()
	select {
	case data := <-conn.Send:
		t.Fatalf("unexpected message: %s", data)
	default:
	}
}

func submitText(sessionID, text string) protocol.SubmitFeedbackMessage {
	return protocol.SubmitFeedbackMessage{
		BaseMessage: protocol.BaseMessage{Type: protocol.TypeSubmitFeedback},
		Text:        text,
		Timestamp:   time.Now().UnixMilli(),
		SessionID:   sessionID,
	}
}

func TestStartTimesOut(t *testing.T) {
	f := newFixture(t, domain.AssignFallbackLatest)

	pending, id, err := f.collector.Start(context.Background(), Request{
		Prompt:            "summary",
		Timeout:           1000 * time.Millisecond,
		ProtocolSessionID: "p1",
	})
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond)

	select {
	case <-pending.Done():
	default:
		t.Fatal("future still pending after its timeout")
	}
	_, err = pending.Result()
	var te *domain.FeedbackTimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, time.Second, te.Timeout)
	_, ok := f.store.Get(id)
	assert.False(t, ok)
}

func TestAssignSessionOwnedByBoundProtocolSession(t *testing.T) {
	f := newFixture(t, domain.AssignFallbackLatest)
	c1 := f.connect("p1")

	_, id, err := f.collector.Start(context.Background(), Request{Prompt: "summary", ProtocolSessionID: "p1"})
	require.NoError(t, err)

	push := receive(t, c1)
	assert.Equal(t, protocol.TypeWorkSummaryBroadcast, push["type"])
	assert.Equal(t, id, push["session_id"])

	sess, err := f.collector.AssignSession(context.Background(), c1.ID)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, id, sess.ID)
	assert.Equal(t, "summary", sess.Prompt)
}

func TestSubmitFromOtherProtocolSessionIsRejected(t *testing.T) {
	f := newFixture(t, domain.AssignFallbackLatest)
	f.connect("p1")
	intruder := f.connect("p2")

	pending, id, err := f.collector.Start(context.Background(), Request{Prompt: "summary", ProtocolSessionID: "p1"})
	require.NoError(t, err)

	_, err = f.collector.Submit(context.Background(), intruder.ID, submitText(id, "done"))
	assert.True(t, errors.Is(err, domain.ErrSourceVerificationFailed))
	assert.Equal(t, "source verification failed", ClientMessage(err))

	sess, ok := f.store.Get(id)
	require.True(t, ok)
	assert.Empty(t, sess.Replies)
	assert.False(t, pending.Settled())
}

func TestSubmitFromUnboundSocketIsRejected(t *testing.T) {
	f := newFixture(t, domain.AssignFallbackLatest)
	unbound := f.connect("")

	_, id, err := f.collector.Start(context.Background(), Request{Prompt: "summary", ProtocolSessionID: "p1"})
	require.NoError(t, err)

	_, err = f.collector.Submit(context.Background(), unbound.ID, submitText(id, "done"))
	assert.True(t, errors.Is(err, domain.ErrSourceVerificationFailed))
}

func TestConcurrentCollectsDoNotCrossTalk(t *testing.T) {
	f := newFixture(t, domain.AssignFallbackLatest)
	c1 := f.connect("p1")
	c2 := f.connect("p2")

	type outcome struct {
		replies []domain.FeedbackReply
		err     error
	}
	results := map[string]chan outcome{"p1": make(chan outcome, 1), "p2": make(chan outcome, 1)}
	for psid, ch := range results {
		psid, ch := psid, ch
		go func() {
			replies, err := f.collector.Collect(context.Background(), Request{Prompt: "work for " + psid, ProtocolSessionID: psid})
			ch <- outcome{replies, err}
		}()
	}

	push1 := receive(t, c1)
	push2 := receive(t, c2)
	assert.Equal(t, "work for p1", push1["work_summary"])
	assert.Equal(t, "work for p2", push2["work_summary"])
	assertNoMessage(t, c1)
	assertNoMessage(t, c2)

	s1 := push1["session_id"].(string)
	s2 := push2["session_id"].(string)

	// Each socket can only answer its own session.
	_, err := f.collector.Submit(context.Background(), c1.ID, submitText(s2, "from c1"))
	assert.True(t, errors.Is(err, domain.ErrSourceVerificationFailed))

	_, err = f.collector.Submit(context.Background(), c2.ID, submitText(s2, "answer two"))
	require.NoError(t, err)
	_, err = f.collector.Submit(context.Background(), c1.ID, submitText(s1, "answer one"))
	require.NoError(t, err)

	for psid, want := range map[string]string{"p1": "answer one", "p2": "answer two"} {
		select {
		case out := <-results[psid]:
			require.NoError(t, out.err)
			require.Len(t, out.replies, 1)
			assert.Equal(t, want, out.replies[0].Text)
		case <-time.After(2 * time.Second):
			t.Fatalf("collect for %s did not return", psid)
		}
	}
}

func TestSubmitRoundTripKeepsImageBytes(t *testing.T) {
	f := newFixture(t, domain.AssignFallbackLatest)
	c1 := f.connect("p1")

	pending, id, err := f.collector.Start(context.Background(), Request{Prompt: "summary", ProtocolSessionID: "p1"})
	require.NoError(t, err)

	raw := []byte{0x89, 'P', 'N', 'G', 1, 2, 3, 4}
	msg := submitText(id, "see attached")
	msg.Images = []protocol.ImagePayload{{
		Name: "shot.png",
		Type: "image/png",
		Data: base64.StdEncoding.EncodeToString(raw),
	}}

	res, err := f.collector.Submit(context.Background(), c1.ID, msg)
	require.NoError(t, err)
	assert.True(t, res.Completed)

	replies, err := pending.Wait(context.Background())
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, "see attached", replies[0].Text)
	require.Len(t, replies[0].Images, 1)
	assert.Len(t, replies[0].Images[0].Data, len(raw))
	assert.Equal(t, "image/png", replies[0].Images[0].MimeType)
}

func TestSubmitInvalidPayloadKeepsSessionOpen(t *testing.T) {
	f := newFixture(t, domain.AssignFallbackLatest)
	c1 := f.connect("p1")

	pending, id, err := f.collector.Start(context.Background(), Request{Prompt: "summary", ProtocolSessionID: "p1"})
	require.NoError(t, err)

	_, err = f.collector.Submit(context.Background(), c1.ID, submitText(id, "   "))
	assert.True(t, errors.Is(err, domain.ErrInvalidPayload))

	bad := submitText(id, "")
	bad.Images = []protocol.ImagePayload{{Name: "doc.pdf", Type: "application/pdf", Data: base64.StdEncoding.EncodeToString([]byte("pdf"))}}
	_, err = f.collector.Submit(context.Background(), c1.ID, bad)
	assert.True(t, errors.Is(err, domain.ErrInvalidPayload))

	garbled := submitText(id, "")
	garbled.Images = []protocol.ImagePayload{{Name: "a.png", Type: "image/png", Data: "!!not base64!!"}}
	_, err = f.collector.Submit(context.Background(), c1.ID, garbled)
	assert.True(t, errors.Is(err, domain.ErrInvalidPayload))

	assert.False(t, pending.Settled())

	_, err = f.collector.Submit(context.Background(), c1.ID, submitText(id, "ok now"))
	require.NoError(t, err)
	replies, err := pending.Result()
	require.NoError(t, err)
	assert.Equal(t, "ok now", replies[0].Text)
}

func TestSubmitAfterCompletionReportsNotFound(t *testing.T) {
	f := newFixture(t, domain.AssignFallbackLatest)
	c1 := f.connect("p1")

	_, id, err := f.collector.Start(context.Background(), Request{Prompt: "summary", ProtocolSessionID: "p1"})
	require.NoError(t, err)

	_, err = f.collector.Submit(context.Background(), c1.ID, submitText(id, "first"))
	require.NoError(t, err)
	_, err = f.collector.Submit(context.Background(), c1.ID, submitText(id, "second"))
	assert.True(t, errors.Is(err, domain.ErrSessionNotFound))
	assert.Equal(t, "session not found or expired", ClientMessage(err))
}

func TestMultiRoundSession(t *testing.T) {
	f := newFixture(t, domain.AssignFallbackLatest)
	c1 := f.connect("p1")

	pending, id, err := f.collector.Start(context.Background(), Request{Prompt: "summary", ProtocolSessionID: "p1", Rounds: 2})
	require.NoError(t, err)

	res, err := f.collector.Submit(context.Background(), c1.ID, submitText(id, "one"))
	require.NoError(t, err)
	assert.False(t, res.Completed)

	res, err = f.collector.Submit(context.Background(), c1.ID, submitText(id, "two"))
	require.NoError(t, err)
	assert.True(t, res.Completed)

	replies, err := pending.Result()
	require.NoError(t, err)
	assert.Len(t, replies, 2)
}

func TestAssignSessionFallbackLatest(t *testing.T) {
	f := newFixture(t, domain.AssignFallbackLatest)
	unbound := f.connect("")

	_, first, err := f.collector.Start(context.Background(), Request{Prompt: "one", ProtocolSessionID: "p1"})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, second, err := f.collector.Start(context.Background(), Request{Prompt: "two", ProtocolSessionID: "p2"})
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	sess, err := f.collector.AssignSession(context.Background(), unbound.ID)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, second, sess.ID)
}

func TestAssignSessionFallbackClosed(t *testing.T) {
	f := newFixture(t, domain.AssignFallbackClosed)
	unbound := f.connect("")

	_, _, err := f.collector.Start(context.Background(), Request{Prompt: "one", ProtocolSessionID: "p1"})
	require.NoError(t, err)

	sess, err := f.collector.AssignSession(context.Background(), unbound.ID)
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestAssignSessionNoSessions(t *testing.T) {
	f := newFixture(t, domain.AssignFallbackLatest)
	c1 := f.connect("p1")

	sess, err := f.collector.AssignSession(context.Background(), c1.ID)
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestLegacySessionBroadcastsAndAcceptsAnySocket(t *testing.T) {
	f := newFixture(t, domain.AssignFallbackLatest)
	c1 := f.connect("p1")
	c2 := f.connect("")

	pending, id, err := f.collector.Start(context.Background(), Request{Prompt: "legacy"})
	require.NoError(t, err)

	assert.Equal(t, id, receive(t, c1)["session_id"])
	assert.Equal(t, id, receive(t, c2)["session_id"])

	_, err = f.collector.Submit(context.Background(), c2.ID, submitText(id, "anyone"))
	require.NoError(t, err)
	assert.True(t, pending.Settled())
}

func TestCollectCancelledByContext(t *testing.T) {
	f := newFixture(t, domain.AssignFallbackLatest)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := f.collector.Collect(ctx, Request{Prompt: "summary", ProtocolSessionID: "p1"})
		errc <- err
	}()

	require.Eventually(t, func() bool { return f.store.Len() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("collect did not return after cancel")
	}
	assert.Eventually(t, func() bool { return f.store.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestProtocolCloseRejectsCollect(t *testing.T) {
	f := newFixture(t, domain.AssignFallbackLatest)

	errc := make(chan error, 1)
	go func() {
		_, err := f.collector.Collect(context.Background(), Request{Prompt: "summary", ProtocolSessionID: "p1"})
		errc <- err
	}()
	require.Eventually(t, func() bool { return f.store.Len() == 1 }, time.Second, 5*time.Millisecond)

	assert.True(t, f.store.DeleteByProtocolSessionID("p1"))

	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, domain.ErrSessionClosed))
	case <-time.After(2 * time.Second):
		t.Fatal("collect did not return after protocol close")
	}
}

func TestBrowserOpenedWhenNoSocketIsBound(t *testing.T) {
	f := newFixture(t, domain.AssignFallbackLatest)

	_, id, err := f.collector.Start(context.Background(), Request{Prompt: "summary", ProtocolSessionID: "p1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(f.opener.opened()) == 1 }, time.Second, 5*time.Millisecond)
	url := f.opener.opened()[0]
	assert.Contains(t, url, "localhost:5123")
	assert.Contains(t, url, "session="+id)
	assert.Contains(t, url, "mcp_session=p1")
}

func TestBrowserNotOpenedWhenTabAlreadyBound(t *testing.T) {
	f := newFixture(t, domain.AssignFallbackLatest)
	f.connect("p1")

	_, _, err := f.collector.Start(context.Background(), Request{Prompt: "summary", ProtocolSessionID: "p1"})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.opener.opened())
}

func TestWorkSummary(t *testing.T) {
	f := newFixture(t, domain.AssignFallbackLatest)

	_, id, err := f.collector.Start(context.Background(), Request{Prompt: "the summary", ProtocolSessionID: "p1"})
	require.NoError(t, err)

	got, err := f.collector.WorkSummary(context.Background(), "p1", id)
	require.NoError(t, err)
	assert.Equal(t, "the summary", got)

	_, err = f.collector.WorkSummary(context.Background(), "p1", "feedback_0_missing")
	assert.True(t, errors.Is(err, domain.ErrSessionNotFound))
}

func TestWorkSummaryRequiresOwner(t *testing.T) {
	f := newFixture(t, domain.AssignFallbackLatest)

	_, owned, err := f.collector.Start(context.Background(), Request{Prompt: "private", ProtocolSessionID: "p1"})
	require.NoError(t, err)
	_, legacy, err := f.collector.Start(context.Background(), Request{Prompt: "shared"})
	require.NoError(t, err)

	_, err = f.collector.WorkSummary(context.Background(), "p2", owned)
	assert.True(t, errors.Is(err, domain.ErrSourceVerificationFailed))
	_, err = f.collector.WorkSummary(context.Background(), "", owned)
	assert.True(t, errors.Is(err, domain.ErrSourceVerificationFailed))

	got, err := f.collector.WorkSummary(context.Background(), "", legacy)
	require.NoError(t, err)
	assert.Equal(t, "shared", got)
}

type upperRenderer struct{}

func (upperRenderer) Render(_ context.Context, summary string) (string, error) {
	return "## " + summary, nil
}

func TestNotificationUsesRenderer(t *testing.T) {
	store := session.NewStore()
	h := hub.NewHub(nil)
	c := New(store, h, policy.MustNewEngine(), nil, upperRenderer{}, nil, Settings{}, nil)
	t.Cleanup(func() { store.CloseAll(domain.ErrShutdown) })

	conn := h.NewConnection(nil, "p1")
	h.Register(conn)

	_, _, err := c.Start(context.Background(), Request{Prompt: "summary", ProtocolSessionID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, "## summary", receive(t, conn)["work_summary"])
}

func TestNotificationUsesDefaultPromptTemplate(t *testing.T) {
	prompts := helpers.NewTestPromptStore(t)
	require.NoError(t, prompts.Upsert(context.Background(), &promptstore.Prompt{
		ID:        "review",
		Name:      "Code review",
		Template:  "Please review:\n{{work_summary}}",
		IsDefault: true,
	}))

	store := session.NewStore()
	h := hub.NewHub(nil)
	c := New(store, h, policy.MustNewEngine(), nil, prompts, nil, Settings{}, nil)
	t.Cleanup(func() { store.CloseAll(domain.ErrShutdown) })

	conn := h.NewConnection(nil, "p1")
	h.Register(conn)

	_, id, err := c.Start(context.Background(), Request{Prompt: "added retries", ProtocolSessionID: "p1"})
	require.NoError(t, err)
	const rendered = "Please review:\nadded retries"
	assert.Equal(t, rendered, receive(t, conn)["work_summary"])

	// Every path to the page shows the same rendered text.
	summary, err := c.WorkSummary(context.Background(), "p1", id)
	require.NoError(t, err)
	assert.Equal(t, rendered, summary)

	assigned, err := c.AssignSession(context.Background(), conn.ID)
	require.NoError(t, err)
	require.NotNil(t, assigned)
	assert.Equal(t, rendered, assigned.Summary())
	assert.Equal(t, "added retries", assigned.Prompt)
}
