package bot_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/antarber/nevermore/bot"
	"github.com/antarber/nevermore/config"
	"github.com/antarber/nevermore/moderation"
	"github.com/antarber/nevermore/store"
	"github.com/antarber/nevermore/telemetry"
	"github.com/antarber/nevermore/testutil"
	"github.com/antarber/nevermore/vkapi"
)

func TestRunDispatchesAndRecoversFromExpiry(t *testing.T) {
	telemetry.Init()
	m := testutil.NewMockVKServer(t)

	var mu sync.Mutex
	var acquires, polls int
	m.Handlers["/method/groups.getLongPollServer"] = func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		acquires++
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"response": map[string]string{
			"server": m.URL + "/longpoll",
			"key":    "k",
			"ts":     "10",
		}})
	}
	// First poll delivers a message, the second expires the session, the rest
	// are quiet.
	m.Handlers["/longpoll"] = func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		polls++
		n := polls
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch n {
		case 1:
			_, _ = io.WriteString(w, `{"ts":"11","updates":[{"type":"message_new","object":{"message":{"from_id":50,"peer_id":2000000001,"conversation_message_id":5,"text":"hello"}}}]}`)
		case 2:
			_, _ = io.WriteString(w, `{"failed":2}`)
		default:
			_, _ = io.WriteString(w, `{"ts":"12","updates":[]}`)
		}
	}
	m.Respond("messages.send", 1)

	client := &vkapi.Client{Token: "t", GroupID: 999, BaseURL: m.URL}
	st := store.NewMemory()
	eng := moderation.NewEngine(st, client, moderation.Policy{
		GroupID:          999,
		MuteDuration:     time.Minute,
		KickDuration:     time.Minute,
		MaxWarnings:      3,
		FloodMaxMessages: 100,
		FloodWindow:      time.Second,
	})
	b := &bot.Bot{
		LP:     &vkapi.LongPoll{Client: client, Wait: 1},
		Engine: eng,
		Cfg: &config.Config{
			SweepInterval: time.Hour,
			RetryDelay:    10 * time.Millisecond,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	err := b.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run should stop on context end, got %v", err)
	}

	stats, statErr := st.UserStats(context.Background(), 2000000001, 50)
	if statErr != nil {
		t.Fatalf("user stats: %v", statErr)
	}
	if stats.MessageCount != 1 {
		t.Fatalf("the delivered message should be recorded once, got %d", stats.MessageCount)
	}

	mu.Lock()
	defer mu.Unlock()
	if acquires < 2 {
		t.Fatalf("session expiry should force a re-acquisition, got %d acquires", acquires)
	}
	if got := b.LP.Cursor(); got != "12" {
		t.Fatalf("cursor should track the last poll, got %q", got)
	}
	if b.LastLoop().IsZero() {
		t.Fatal("loop heartbeat never recorded")
	}
	if got := b.LP.State(); got != vkapi.StatePolling {
		t.Fatalf("state should be polling after a successful acquire, got %q", got)
	}
}

func TestRunSurvivesAcquisitionExhaustion(t *testing.T) {
	telemetry.Init()
	m := testutil.NewMockVKServer(t)

	var mu sync.Mutex
	var acquires int
	m.RespondError("groups.getLongPollServer", 10, "internal")
	base := m.Handlers["/method/groups.getLongPollServer"]
	m.Handlers["/method/groups.getLongPollServer"] = func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		acquires++
		mu.Unlock()
		base(w, r)
	}

	client := &vkapi.Client{Token: "t", GroupID: 999, BaseURL: m.URL}
	b := &bot.Bot{
		LP: &vkapi.LongPoll{
			Client:      client,
			Wait:        1,
			MaxAttempts: 1,
			BaseDelay:   time.Millisecond,
		},
		Engine: moderation.NewEngine(store.NewMemory(), client, moderation.Policy{MaxWarnings: 3}),
		Cfg: &config.Config{
			SweepInterval: time.Hour,
			RetryDelay:    5 * time.Millisecond,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	// Every acquisition attempt fails; Run must keep retrying until the
	// context ends instead of surfacing the exhaustion.
	if err := b.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run should only stop on context end, got %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if acquires < 3 {
		t.Fatalf("expected repeated acquisition attempts, got %d", acquires)
	}
	if got := b.LP.State(); got != vkapi.StateReconnecting {
		t.Fatalf("failed acquisition should leave state reconnecting, got %q", got)
	}
}

func TestRunTransportErrorKeepsCursor(t *testing.T) {
	telemetry.Init()
	m := testutil.NewMockVKServer(t)

	var mu sync.Mutex
	var polls int
	m.MockLongPollServer("k", "10", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		polls++
		n := polls
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if n == 1 {
			_, _ = io.WriteString(w, `{"ts":"11","updates":[]}`)
			return
		}
		// Malformed body: a decode failure must not move the cursor.
		_, _ = io.WriteString(w, `{{{`)
	})

	client := &vkapi.Client{Token: "t", GroupID: 999, BaseURL: m.URL}
	b := &bot.Bot{
		LP:     &vkapi.LongPoll{Client: client, Wait: 1},
		Engine: moderation.NewEngine(store.NewMemory(), client, moderation.Policy{MaxWarnings: 3}),
		Cfg: &config.Config{
			SweepInterval: time.Hour,
			RetryDelay:    5 * time.Millisecond,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := b.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run should stop on context end, got %v", err)
	}
	if got := b.LP.Cursor(); got != "11" {
		t.Fatalf("cursor must survive transport errors, got %q", got)
	}
}
