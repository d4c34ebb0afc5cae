// Package feedback runs feedback rounds: it creates sessions, notifies the
// browser, assigns sessions to sockets and accepts submissions.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/browser"
	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/domain"
	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/hub"
	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/policy"
	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/protocol"
	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/session"
)

// Defaults used when Settings leaves a field zero.
const (
	DefaultTimeout      = 300 * time.Second
	DefaultBrowserDelay = 500 * time.Millisecond
)

// ImageValidator checks attached images.
type ImageValidator interface {
	ValidateFormat(name, mimeType string) bool
	ValidateSize(size int) bool
}

// Renderer turns a work summary into the notification text.
type Renderer interface {
	Render(ctx context.Context, workSummary string) (string, error)
}

// BrowserOpener opens the feedback page. It must not block.
type BrowserOpener interface {
	Open(url string)
}

// Settings tunes one collector.
type Settings struct {
	// Port is where the instance serves the feedback page.
	Port         int
	Timeout      time.Duration
	BrowserDelay time.Duration
	Fallback     domain.AssignFallback
}

// Request asks for one feedback round.
type Request struct {
	Prompt            string
	Timeout           time.Duration
	ProtocolSessionID string
	// Rounds is how many replies complete the round; zero means one.
	Rounds int
}

// SubmitResult reports an accepted submission.
type SubmitResult struct {
	SessionID string
	// Completed is true when the submission resolved the caller's future.
	Completed bool
}

// Collector coordinates feedback rounds for one server instance.
type Collector struct {
	store    *session.Store
	hub      *hub.Hub
	policy   *policy.Engine
	images   ImageValidator
	prompts  Renderer
	browser  BrowserOpener
	settings Settings
	log      *slog.Logger
}

// New creates a collector. prompts and opener may be nil.
func New(store *session.Store, h *hub.Hub, engine *policy.Engine, images ImageValidator, prompts Renderer, opener BrowserOpener, settings Settings, log *slog.Logger) *Collector {
	if settings.Timeout <= 0 {
		settings.Timeout = DefaultTimeout
	}
	if settings.BrowserDelay <= 0 {
		settings.BrowserDelay = DefaultBrowserDelay
	}
	if settings.Fallback == "" {
		settings.Fallback = domain.AssignFallbackLatest
	}
	if log == nil {
		log = slog.Default()
	}
	return &Collector{
		store:    store,
		hub:      h,
		policy:   engine,
		images:   images,
		prompts:  prompts,
		browser:  opener,
		settings: settings,
		log:      log.With("component", "feedback"),
	}
}

// Settings returns the effective settings.
func (c *Collector) Settings() Settings {
	return c.settings
}

// Start creates a session, notifies the browser and arms the timeout. The
// returned future settles on submission, timeout, protocol close or
// shutdown. Cancelling ctx cancels the session.
func (c *Collector) Start(ctx context.Context, req Request) (*session.Pending, string, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.settings.Timeout
	}

	sess := session.New(req.ProtocolSessionID, req.Prompt, timeout, c.store.Now())
	sess.Notice = c.render(ctx, req.Prompt)
	sess.Rounds = req.Rounds
	if err := c.store.Create(sess); err != nil {
		c.log.Error("failed to create session", "session_id", sess.ID, "error", err)
		return nil, "", fmt.Errorf("failed to create session: %w", err)
	}
	c.log.Info("feedback session started",
		"session_id", sess.ID,
		"protocol_session_id", req.ProtocolSessionID,
		"timeout", timeout)

	delivered := c.notify(sess)

	pending := sess.Pending()
	timer := time.AfterFunc(timeout, func() {
		if c.store.Fail(sess.ID, domain.NewFeedbackTimeout(timeout)) {
			c.log.Info("feedback session timed out", "session_id", sess.ID, "timeout", timeout)
		}
	})
	go func() {
		select {
		case <-pending.Done():
		case <-ctx.Done():
			if c.store.Fail(sess.ID, domain.ErrSessionClosed) {
				c.log.Info("feedback session cancelled", "session_id", sess.ID, "error", ctx.Err())
			}
		}
		timer.Stop()
	}()

	if delivered == 0 {
		c.openBrowserLater(sess.ID, req.ProtocolSessionID)
	}
	return pending, sess.ID, nil
}

// Collect runs a full feedback round and waits for its outcome.
func (c *Collector) Collect(ctx context.Context, req Request) ([]domain.FeedbackReply, error) {
	pending, id, err := c.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	replies, err := pending.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			c.store.Fail(id, domain.ErrSessionClosed)
		}
		return nil, err
	}
	return replies, nil
}

// notify pushes work_summary_broadcast and returns how many sockets got it.
func (c *Collector) notify(sess *session.Session) int {
	msg := protocol.NewWorkSummaryBroadcast(sess.ID, sess.Summary(), sess.CreatedAt)

	if sess.ProtocolSessionID == "" {
		n, err := c.hub.BroadcastJSON(msg)
		if err != nil {
			c.log.Error("failed to broadcast work summary", "session_id", sess.ID, "error", err)
			return 0
		}
		c.log.Warn("no protocol session for feedback request, broadcasting to every socket",
			"session_id", sess.ID, "connections", n)
		return n
	}

	n, err := c.hub.SendToProtocolSession(sess.ProtocolSessionID, msg)
	if err != nil {
		c.log.Error("failed to send work summary", "session_id", sess.ID, "error", err)
		return 0
	}
	if n == 0 {
		c.log.Info("no socket bound yet, page will request its session",
			"session_id", sess.ID, "protocol_session_id", sess.ProtocolSessionID)
	}
	return n
}

func (c *Collector) render(ctx context.Context, summary string) string {
	if c.prompts == nil {
		return summary
	}
	text, err := c.prompts.Render(ctx, summary)
	if err != nil {
		c.log.Warn("failed to render prompt, using raw work summary", "error", err)
		return summary
	}
	return text
}

// openBrowserLater opens the page after a short delay so a tab that connects
// right away already finds the session.
func (c *Collector) openBrowserLater(sessionID, protocolSessionID string) {
	if c.browser == nil {
		return
	}
	time.AfterFunc(c.settings.BrowserDelay, func() {
		if _, ok := c.store.Get(sessionID); !ok {
			return
		}
		c.browser.Open(browser.FeedbackURL(c.settings.Port, sessionID, protocolSessionID))
	})
}

// AssignSession answers request_session for a socket. It returns nil when
// no session may be handed out.
func (c *Collector) AssignSession(ctx context.Context, connID string) (*session.Session, error) {
	psid, bound := c.hub.ProtocolSessionFor(connID)

	var owned *session.Session
	if bound {
		owned, _ = c.store.FindByProtocolSessionID(psid)
	}
	latest, anyAvailable := c.store.Latest()

	decision, err := c.policy.Assignment(ctx, policy.AssignInput{
		OwnedAvailable: owned != nil,
		AnyAvailable:   anyAvailable,
		Fallback:       string(c.settings.Fallback),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decide assignment: %w", err)
	}

	switch decision {
	case policy.AssignOwned:
		c.log.Info("session assigned", "conn_id", connID, "session_id", owned.ID, "protocol_session_id", psid)
		return owned, nil
	case policy.AssignLatest:
		c.log.Warn("assigning most recent session by fallback, routing may be wrong",
			"conn_id", connID,
			"bound_protocol_session_id", psid,
			"session_id", latest.ID,
			"session_protocol_session_id", latest.ProtocolSessionID)
		return latest, nil
	default:
		c.log.Info("no session to assign", "conn_id", connID, "protocol_session_id", psid)
		return nil, nil
	}
}

// Submit accepts a reply from a socket. Errors are ErrSessionNotFound,
// ErrSourceVerificationFailed or ErrInvalidPayload; a rejected payload
// leaves the session open for another try.
func (c *Collector) Submit(ctx context.Context, connID string, msg protocol.SubmitFeedbackMessage) (SubmitResult, error) {
	sess, ok := c.store.Get(msg.SessionID)
	if !ok {
		return SubmitResult{}, domain.ErrSessionNotFound
	}

	bound, _ := c.hub.ProtocolSessionFor(connID)
	if err := c.verifySource(ctx, sess, bound); err != nil {
		c.log.Warn("submission rejected", "conn_id", connID, "session_id", sess.ID, "error", err)
		return SubmitResult{}, err
	}

	reply, err := msg.Reply()
	if err != nil {
		return SubmitResult{}, err
	}
	if err := c.validate(reply); err != nil {
		return SubmitResult{}, err
	}

	completed, err := c.store.AppendReply(sess.ID, reply)
	if err != nil {
		return SubmitResult{}, err
	}
	c.log.Info("feedback submitted",
		"session_id", sess.ID,
		"conn_id", connID,
		"images", len(reply.Images),
		"completed", completed)
	return SubmitResult{SessionID: sess.ID, Completed: completed}, nil
}

func (c *Collector) validate(reply domain.FeedbackReply) error {
	if !reply.HasContent() {
		return fmt.Errorf("%w: text or at least one image is required", domain.ErrInvalidPayload)
	}
	if c.images == nil {
		return nil
	}
	for _, img := range reply.Images {
		if !c.images.ValidateFormat(img.Name, img.MimeType) {
			return fmt.Errorf("%w: unsupported image format %q", domain.ErrInvalidPayload, img.Name)
		}
		if !c.images.ValidateSize(len(img.Data)) {
			return fmt.Errorf("%w: image %q has invalid size %d", domain.ErrInvalidPayload, img.Name, len(img.Data))
		}
	}
	return nil
}

// WorkSummary returns the text of a live session to a caller bound to the
// protocol session bound, under the same rule as submissions.
func (c *Collector) WorkSummary(ctx context.Context, bound, sessionID string) (string, error) {
	sess, ok := c.store.Get(sessionID)
	if !ok {
		return "", domain.ErrSessionNotFound
	}
	if err := c.verifySource(ctx, sess, bound); err != nil {
		c.log.Warn("work summary lookup rejected", "session_id", sess.ID, "error", err)
		return "", err
	}
	return sess.Summary(), nil
}

// verifySource checks that a caller bound to the protocol session bound may
// act on sess. Legacy sessions without an owner accept anyone.
func (c *Collector) verifySource(ctx context.Context, sess *session.Session, bound string) error {
	allowed, err := c.policy.AllowSubmit(ctx, policy.SubmitInput{
		SessionOwner: sess.ProtocolSessionID,
		Bound:        bound,
	})
	if err != nil {
		return fmt.Errorf("failed to verify source: %w", err)
	}
	if !allowed {
		c.log.Debug("source verification failed",
			"session_id", sess.ID,
			"bound_protocol_session_id", bound,
			"session_protocol_session_id", sess.ProtocolSessionID)
		return domain.ErrSourceVerificationFailed
	}
	return nil
}

// ClientMessage maps a collector error onto the text shown to the human.
// Unexpected errors are not echoed.
func ClientMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		return domain.ErrSessionNotFound.Error()
	case errors.Is(err, domain.ErrSourceVerificationFailed):
		return domain.ErrSourceVerificationFailed.Error()
	case errors.Is(err, domain.ErrInvalidPayload):
		return err.Error()
	default:
		return "internal error"
	}
}
