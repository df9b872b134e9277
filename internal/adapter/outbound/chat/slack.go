// Package chat provides approval delivery over chat channels. The Slack
// backend posts interactive approve/deny messages for pending requests and
// resolves them from interaction callbacks.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/sony/gobreaker"

	"github.com/policyshield/policyshield/internal/domain/approval"
)

// Button action IDs in posted approval messages.
const (
	actionApprove = "approval_approve"
	actionDeny    = "approval_deny"
)

// SlackConfig holds configuration for the Slack approval backend.
type SlackConfig struct {
	// Token is the bot token used for chat.postMessage and chat.update.
	Token string
	// Channel is the channel ID approval messages are posted to.
	Channel string
	// SigningSecret verifies interaction callbacks. Empty disables
	// verification (local development only).
	SigningSecret string
	// TTL bounds how long unresolved requests are retained (default 1h).
	TTL time.Duration
	// GCInterval is the sweep cadence for stale requests (default 1m).
	GCInterval time.Duration
	// RequestTimeout bounds each outbound Slack call (default 10s).
	RequestTimeout time.Duration
	// APIURL overrides the Slack API base URL. Tests only.
	APIURL string
}

// messageRef locates a posted approval message for later updates.
type messageRef struct {
	channel string
	ts      string
}

// SlackBackend implements approval.Backend on top of the in-memory state
// machine: state transitions stay local while Slack carries the approver
// surface. Outbound calls retry with exponential backoff on transport
// errors and 5xx; 4xx and API rejections are terminal. A circuit breaker
// stops hammering Slack during sustained outages.
type SlackBackend struct {
	mem     *approval.InMemory
	client  *slack.Client
	channel string
	secret  string
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger

	requestTimeout time.Duration

	// Configurable parameters (exported for testing).
	backoffBase time.Duration
	backoffCap  time.Duration
	maxTries    int

	mu       sync.Mutex
	messages map[string]messageRef
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// Compile-time check that SlackBackend implements Backend.
var _ approval.Backend = (*SlackBackend)(nil)

// NewSlackBackend creates a Slack approval backend. Call Start to enable
// background expiry and Stop to shut everything down.
func NewSlackBackend(cfg SlackConfig, logger *slog.Logger) (*SlackBackend, error) {
	if cfg.Token == "" {
		return nil, errors.New("slack token required")
	}
	if cfg.Channel == "" {
		return nil, errors.New("slack channel required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}

	opts := []slack.Option{}
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &SlackBackend{
		mem:            approval.NewInMemory(cfg.TTL, cfg.GCInterval),
		client:         slack.New(cfg.Token, opts...),
		channel:        cfg.Channel,
		secret:         cfg.SigningSecret,
		logger:         logger,
		requestTimeout: cfg.RequestTimeout,
		backoffBase:    1 * time.Second,
		backoffCap:     30 * time.Second,
		maxTries:       3,
		messages:       make(map[string]messageRef),
		ctx:            ctx,
		cancel:         cancel,
	}

	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "slack",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("slack circuit state changed", "from", from.String(), "to", to.String())
		},
	})

	return s, nil
}

// Start launches the background expiry for approval state.
func (s *SlackBackend) Start(ctx context.Context) {
	s.mem.StartGC(ctx)
}

// Stop cancels outbound calls, waits for in-flight notifications, and stops
// the expiry worker. Safe to call twice.
func (s *SlackBackend) Stop() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()
	})
	s.wg.Wait()
	s.mem.Stop()
}

// Submit registers the request and posts the approval message
// asynchronously, so the caller's check pipeline never waits on Slack.
func (s *SlackBackend) Submit(ctx context.Context, req approval.Request) error {
	if err := s.mem.Submit(ctx, req); err != nil {
		return err
	}
	s.spawn(func() { s.notify(req) })
	return nil
}

// WaitFor blocks until the request resolves, the timeout expires, or ctx is
// done.
func (s *SlackBackend) WaitFor(ctx context.Context, requestID string, timeout time.Duration) (approval.Resolution, bool) {
	return s.mem.WaitFor(ctx, requestID, timeout)
}

// Respond resolves a pending request and rewrites the posted message with
// the outcome. First writer wins; repeats return the existing resolution.
func (s *SlackBackend) Respond(requestID string, approved bool, responder, comment string) (approval.Resolution, error) {
	res, err := s.mem.Respond(requestID, approved, responder, comment)
	if err != nil {
		return res, err
	}
	s.spawn(func() { s.updateResolved(res) })
	return res, nil
}

// Status reports the request's state without disturbing it.
func (s *SlackBackend) Status(requestID string) (approval.Status, approval.Resolution, error) {
	return s.mem.Status(requestID)
}

// Pending lists unresolved requests, oldest first.
func (s *SlackBackend) Pending() []approval.Request {
	return s.mem.Pending()
}

// Health checks Slack reachability via auth.test and reports pending depth.
func (s *SlackBackend) Health() approval.Health {
	h := s.mem.Health()
	h.Backend = "slack"

	if state := s.breaker.State(); state == gobreaker.StateOpen {
		h.OK = false
		h.Detail = "circuit open"
		return h
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := s.client.AuthTestContext(ctx); err != nil {
		h.OK = false
		h.Detail = err.Error()
	}
	return h
}

// VerifySignature validates a Slack interaction callback against the
// configured signing secret. A missing secret skips verification.
func (s *SlackBackend) VerifySignature(header http.Header, body []byte) error {
	if s.secret == "" {
		return nil
	}
	sv, err := slack.NewSecretsVerifier(header, s.secret)
	if err != nil {
		return fmt.Errorf("slack signature header: %w", err)
	}
	if _, err := sv.Write(body); err != nil {
		return fmt.Errorf("slack signature body: %w", err)
	}
	if err := sv.Ensure(); err != nil {
		return fmt.Errorf("slack signature mismatch: %w", err)
	}
	return nil
}

// HandleInteraction resolves an approval from a block-actions interaction
// payload. The opaque button value carries "request_id:approve|deny".
func (s *SlackBackend) HandleInteraction(payload []byte) (approval.Resolution, error) {
	var cb slack.InteractionCallback
	if err := json.Unmarshal(payload, &cb); err != nil {
		return approval.Resolution{}, fmt.Errorf("decode interaction: %w", err)
	}
	if cb.Type != slack.InteractionTypeBlockActions || len(cb.ActionCallback.BlockActions) == 0 {
		return approval.Resolution{}, errors.New("unsupported interaction payload")
	}

	requestID, approved, err := decodeActionValue(cb.ActionCallback.BlockActions[0].Value)
	if err != nil {
		return approval.Resolution{}, err
	}

	responder := cb.User.Name
	if responder == "" {
		responder = cb.User.ID
	}
	return s.Respond(requestID, approved, responder, "")
}

// spawn runs fn on a tracked goroutine unless the backend is stopped.
func (s *SlackBackend) spawn(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// notify posts the approval message and remembers its location for the
// resolution update. Failures are logged; the request stays answerable
// through the REST surface either way.
func (s *SlackBackend) notify(req approval.Request) {
	opts := s.buildMessage(req)
	err := s.withRetry(req.ID, "chat.postMessage", func() error {
		result, err := s.breaker.Execute(func() (interface{}, error) {
			ctx, cancel := context.WithTimeout(s.ctx, s.requestTimeout)
			defer cancel()
			channel, ts, err := s.client.PostMessageContext(ctx, s.channel, opts...)
			if err != nil {
				return nil, err
			}
			return messageRef{channel: channel, ts: ts}, nil
		})
		if err != nil {
			return err
		}
		s.rememberMessage(req.ID, result.(messageRef))
		return nil
	})
	if err != nil {
		s.logger.Error("approval notification failed", "request_id", req.ID, "error", err)
	}
}

// updateResolved replaces the approval message's buttons with the outcome.
func (s *SlackBackend) updateResolved(res approval.Resolution) {
	s.mu.Lock()
	ref, ok := s.messages[res.RequestID]
	delete(s.messages, res.RequestID)
	s.mu.Unlock()
	if !ok {
		// Message never made it out, or was already rewritten.
		return
	}

	text := resolutionText(res)
	err := s.withRetry(res.RequestID, "chat.update", func() error {
		_, err := s.breaker.Execute(func() (interface{}, error) {
			ctx, cancel := context.WithTimeout(s.ctx, s.requestTimeout)
			defer cancel()
			_, _, _, err := s.client.UpdateMessageContext(ctx, ref.channel, ref.ts,
				slack.MsgOptionText(text, false),
				slack.MsgOptionBlocks(slack.NewSectionBlock(
					slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil)))
			return nil, err
		})
		return err
	})
	if err != nil {
		s.logger.Warn("approval message update failed", "request_id", res.RequestID, "error", err)
	}
}

// withRetry runs fn with exponential backoff on retryable failures.
// An open circuit aborts immediately.
func (s *SlackBackend) withRetry(requestID, op string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			s.logger.Warn("slack call skipped, circuit open", "op", op, "request_id", requestID)
			return err
		}
		if !retryable(err) || attempt+1 >= s.maxTries {
			return err
		}
		delay := s.calcBackoffDelay(attempt)
		s.logger.Warn("slack call retry", "op", op, "request_id", requestID,
			"attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-s.ctx.Done():
			return s.ctx.Err()
		}
	}
}

// calcBackoffDelay calculates the delay for a given retry count.
// Formula: min(base * 2^retryCount, cap)
func (s *SlackBackend) calcBackoffDelay(retryCount int) time.Duration {
	delay := s.backoffBase
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay > s.backoffCap {
			return s.backoffCap
		}
	}
	if delay > s.backoffCap {
		return s.backoffCap
	}
	return delay
}

// rememberMessage stores where an approval message landed.
func (s *SlackBackend) rememberMessage(requestID string, ref messageRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[requestID] = ref
}

// slack-go wraps non-2xx responses in an error type exposing Retryable;
// rate-limit errors do the same.
type retryableErr interface {
	Retryable() bool
}

// retryable classifies an outbound failure. API-level rejections
// (bad channel, bad payload) are terminal; transport failures and 5xx are
// worth retrying.
func retryable(err error) bool {
	var r retryableErr
	if errors.As(err, &r) {
		return r.Retryable()
	}
	var apiErr slack.SlackErrorResponse
	if errors.As(err, &apiErr) {
		return false
	}
	return true
}

// buildMessage renders the approval request as Slack blocks. Args arrive
// already masked; they are shown verbatim.
func (s *SlackBackend) buildMessage(req approval.Request) []slack.MsgOption {
	title := slack.NewTextBlockObject(slack.MarkdownType,
		fmt.Sprintf(":lock: *Approval required* for tool `%s`", req.ToolName), false, false)
	fields := []*slack.TextBlockObject{
		slack.NewTextBlockObject(slack.MarkdownType, "*Rule:*\n"+req.RuleID, false, false),
		slack.NewTextBlockObject(slack.MarkdownType, "*Session:*\n"+orDash(req.SessionID), false, false),
	}
	blocks := []slack.Block{slack.NewSectionBlock(title, fields, nil)}

	if req.Message != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, req.Message, false, false), nil, nil))
	}
	if len(req.Args) > 0 {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, "```"+renderArgs(req.Args)+"```", false, false), nil, nil))
	}

	approve := slack.NewButtonBlockElement(actionApprove, encodeActionValue(req.ID, true),
		slack.NewTextBlockObject(slack.PlainTextType, "Approve", false, false)).WithStyle(slack.StylePrimary)
	deny := slack.NewButtonBlockElement(actionDeny, encodeActionValue(req.ID, false),
		slack.NewTextBlockObject(slack.PlainTextType, "Deny", false, false)).WithStyle(slack.StyleDanger)
	blocks = append(blocks, slack.NewActionBlock(req.ID, approve, deny))

	return []slack.MsgOption{
		slack.MsgOptionText(fmt.Sprintf("Approval required for tool %s", req.ToolName), false),
		slack.MsgOptionBlocks(blocks...),
	}
}

// encodeActionValue packs the request id and verb into the opaque button
// payload: "request_id:approve|deny".
func encodeActionValue(requestID string, approved bool) string {
	if approved {
		return requestID + ":approve"
	}
	return requestID + ":deny"
}

// decodeActionValue unpacks a button payload back into id and verb.
func decodeActionValue(value string) (string, bool, error) {
	idx := strings.LastIndex(value, ":")
	if idx <= 0 {
		return "", false, fmt.Errorf("malformed action value %q", value)
	}
	id, verb := value[:idx], value[idx+1:]
	switch verb {
	case "approve":
		return id, true, nil
	case "deny":
		return id, false, nil
	}
	return "", false, fmt.Errorf("unknown action verb %q", verb)
}

// resolutionText renders the terminal outcome for the rewritten message.
func resolutionText(res approval.Resolution) string {
	var text string
	switch res.Status {
	case approval.StatusApproved:
		text = fmt.Sprintf(":white_check_mark: Approved by %s", orDash(res.Responder))
	case approval.StatusDenied:
		text = fmt.Sprintf(":no_entry: Denied by %s", orDash(res.Responder))
	default:
		text = ":hourglass: Timed out waiting for approval"
	}
	if res.Comment != "" {
		text += "\n> " + res.Comment
	}
	return text
}

// renderArgs formats masked args for the message body, truncated to stay
// under Slack's per-block text limit.
func renderArgs(args map[string]any) string {
	data, err := json.MarshalIndent(args, "", "  ")
	if err != nil {
		return "(unrenderable args)"
	}
	const maxLen = 2800
	if len(data) > maxLen {
		return string(data[:maxLen]) + "\n..."
	}
	return string(data)
}

func orDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}
