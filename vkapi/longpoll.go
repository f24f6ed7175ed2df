package vkapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// ErrSessionExpired is returned by Poll when the platform reports the session
// key or cursor is no longer valid; the caller must Acquire a fresh session
// and discard the old cursor.
var ErrSessionExpired = errors.New("long poll session expired")

// Message is the inbound message envelope delivered by message_new updates.
type Message struct {
	FromID                int64          `json:"from_id"`
	PeerID                int64          `json:"peer_id"`
	ConversationMessageID int64          `json:"conversation_message_id"`
	Text                  string         `json:"text"`
	Action                *MessageAction `json:"action,omitempty"`
	ReplyMessage          *Message       `json:"reply_message,omitempty"`
	FwdMessages           []Message      `json:"fwd_messages,omitempty"`
}

// MessageAction describes service messages (invites, etc.) attached to a message.
type MessageAction struct {
	Type     string `json:"type"`
	MemberID int64  `json:"member_id"`
}

// Service message action types the bot reacts to.
const (
	ActionChatInviteUser       = "chat_invite_user"
	ActionChatInviteUserByLink = "chat_invite_user_by_link"
)

// Update is one entry of a long-poll batch.
type Update struct {
	Type   string `json:"type"`
	Object struct {
		Message Message `json:"message"`
	} `json:"object"`
}

// Session states reported by State() for the /status endpoint.
const (
	StateIdle         = "idle"
	StateReconnecting = "reconnecting"
	StatePolling      = "polling"
)

// LongPoll manages a Bots Long Poll session: acquisition with bounded
// exponential backoff, polling with cursor carry-forward, and expiry
// detection. It is driven by a single event loop; the mutex only exists so
// the status endpoint can read session state concurrently.
type LongPoll struct {
	Client *Client
	Wait   int // seconds the server holds a poll open (default 10)

	// Acquire retry policy. The loop re-enters Acquire indefinitely, so the
	// per-call attempt bound keeps individual calls testable without giving
	// up overall liveness.
	MaxAttempts int           // default 5
	BaseDelay   time.Duration // default 5s
	MaxDelay    time.Duration // default 60s

	mu     sync.Mutex
	server string
	key    string
	cursor string
	state  string
}

func (lp *LongPoll) wait() int {
	if lp.Wait > 0 {
		return lp.Wait
	}
	return 10
}

// State returns the current lifecycle state.
func (lp *LongPoll) State() string {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	if lp.state == "" {
		return StateIdle
	}
	return lp.state
}

// Cursor returns the current session cursor (empty before first acquisition).
func (lp *LongPoll) Cursor() string {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	return lp.cursor
}

// Acquire obtains a fresh long-poll session from groups.getLongPollServer,
// retrying with exponential backoff up to MaxAttempts. Any previously held
// cursor is discarded.
func (lp *LongPoll) Acquire(ctx context.Context) error {
	lp.setState(StateReconnecting)
	attempts := lp.MaxAttempts
	if attempts <= 0 {
		attempts = 5
	}
	delay := lp.BaseDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}
	maxDelay := lp.MaxDelay
	if maxDelay <= 0 {
		maxDelay = time.Minute
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := lp.acquireOnce(ctx)
		if err == nil {
			lp.setState(StatePolling)
			return nil
		}
		lastErr = err
		slog.Warn("long poll session acquisition failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.Duration("retry_in", delay),
			slog.Any("err", err))
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return fmt.Errorf("acquire long poll session: %w", lastErr)
}

func (lp *LongPoll) acquireOnce(ctx context.Context) error {
	params := url.Values{}
	params.Set("group_id", strconv.FormatInt(lp.Client.GroupID, 10))
	var resp struct {
		Server string `json:"server"`
		Key    string `json:"key"`
		TS     string `json:"ts"`
	}
	if err := lp.Client.call(ctx, "groups.getLongPollServer", params, &resp); err != nil {
		return err
	}
	if resp.Server == "" || resp.Key == "" {
		return fmt.Errorf("malformed long poll server response")
	}
	lp.mu.Lock()
	lp.server = resp.Server
	lp.key = resp.Key
	lp.cursor = resp.TS
	lp.mu.Unlock()
	slog.Info("long poll session acquired", slog.String("cursor", resp.TS))
	return nil
}

// Poll issues one bounded-wait request and returns the delivered updates.
// The cursor is advanced whenever the platform returns one, even for an empty
// batch, so events are never reprocessed. On {failed:N} it returns
// ErrSessionExpired. On transport or decode errors the cursor is left
// untouched so no events are skipped on retry.
func (lp *LongPoll) Poll(ctx context.Context) ([]Update, error) {
	lp.mu.Lock()
	server, key, cursor := lp.server, lp.key, lp.cursor
	lp.mu.Unlock()
	if server == "" {
		return nil, fmt.Errorf("poll before session acquisition")
	}

	q := url.Values{}
	q.Set("act", "a_check")
	q.Set("key", key)
	q.Set("ts", cursor)
	q.Set("wait", strconv.Itoa(lp.wait()))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := lp.Client.http().Do(req)
	if err != nil {
		return nil, fmt.Errorf("long poll request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()

	var body struct {
		Failed  int      `json:"failed"`
		TS      string   `json:"ts"`
		Updates []Update `json:"updates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("long poll decode: %w", err)
	}
	if body.Failed != 0 {
		slog.Warn("long poll session invalidated", slog.Int("failed", body.Failed))
		return nil, ErrSessionExpired
	}
	if body.TS != "" {
		lp.mu.Lock()
		lp.cursor = body.TS
		lp.mu.Unlock()
	}
	return body.Updates, nil
}

func (lp *LongPoll) setState(s string) {
	lp.mu.Lock()
	lp.state = s
	lp.mu.Unlock()
}
