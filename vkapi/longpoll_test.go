package vkapi_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/antarber/nevermore/testutil"
	"github.com/antarber/nevermore/vkapi"
)

func TestAcquireAndPoll(t *testing.T) {
	m := testutil.NewMockVKServer(t)
	m.MockLongPollServer("key1", "100", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("key"); got != "key1" {
			t.Errorf("poll key %q", got)
		}
		if got := r.URL.Query().Get("ts"); got != "100" {
			t.Errorf("poll ts %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ts":"101","updates":[{"type":"message_new","object":{"message":{"from_id":5,"peer_id":2000000001,"text":"hi"}}}]}`)
	})

	lp := &vkapi.LongPoll{Client: newClient(m), Wait: 1}
	ctx := context.Background()
	if err := lp.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got := lp.State(); got != vkapi.StatePolling {
		t.Fatalf("state after acquire: %q", got)
	}

	updates, err := lp.Poll(ctx)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(updates) != 1 || updates[0].Object.Message.Text != "hi" {
		t.Fatalf("unexpected updates: %+v", updates)
	}
	if got := lp.Cursor(); got != "101" {
		t.Fatalf("cursor should advance to 101, got %q", got)
	}
}

func TestPollEmptyBatchStillAdvancesCursor(t *testing.T) {
	m := testutil.NewMockVKServer(t)
	m.MockLongPollServer("k", "10", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ts":"11","updates":[]}`)
	})

	lp := &vkapi.LongPoll{Client: newClient(m), Wait: 1}
	ctx := context.Background()
	if err := lp.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := lp.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if got := lp.Cursor(); got != "11" {
		t.Fatalf("empty batch must still advance the cursor, got %q", got)
	}
}

func TestPollFailedReportsSessionExpired(t *testing.T) {
	m := testutil.NewMockVKServer(t)
	m.MockLongPollServer("k", "10", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"failed":3}`)
	})

	lp := &vkapi.LongPoll{Client: newClient(m), Wait: 1}
	ctx := context.Background()
	if err := lp.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := lp.Poll(ctx); !errors.Is(err, vkapi.ErrSessionExpired) {
		t.Fatalf("any failed code should expire the session, got %v", err)
	}
}

func TestPollDecodeErrorKeepsCursor(t *testing.T) {
	m := testutil.NewMockVKServer(t)
	m.MockLongPollServer("k", "10", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `not json`)
	})

	lp := &vkapi.LongPoll{Client: newClient(m), Wait: 1}
	ctx := context.Background()
	if err := lp.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := lp.Poll(ctx); err == nil || errors.Is(err, vkapi.ErrSessionExpired) {
		t.Fatalf("decode failure should be a plain error, got %v", err)
	}
	if got := lp.Cursor(); got != "10" {
		t.Fatalf("cursor must not move on decode errors, got %q", got)
	}
}

func TestAcquireRetriesWithBackoff(t *testing.T) {
	m := testutil.NewMockVKServer(t)
	var mu sync.Mutex
	var calls int
	m.Handlers["/method/groups.getLongPollServer"] = func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if n < 3 {
			_, _ = io.WriteString(w, `{"error":{"error_code":10,"error_msg":"internal"}}`)
			return
		}
		_, _ = io.WriteString(w, `{"response":{"server":"`+m.URL+`/longpoll","key":"k","ts":"5"}}`)
	}

	lp := &vkapi.LongPoll{
		Client:      newClient(m),
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		MaxDelay:    4 * time.Millisecond,
	}
	if err := lp.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire should succeed on the third attempt: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if got := lp.Cursor(); got != "5" {
		t.Fatalf("fresh cursor expected, got %q", got)
	}
}

func TestAcquireGivesUpAfterMaxAttempts(t *testing.T) {
	m := testutil.NewMockVKServer(t)
	m.RespondError("groups.getLongPollServer", 10, "internal")

	lp := &vkapi.LongPoll{
		Client:      newClient(m),
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
	}
	if err := lp.Acquire(context.Background()); err == nil {
		t.Fatal("acquire should fail after exhausting attempts")
	}
	if got := lp.State(); got != vkapi.StateReconnecting {
		t.Fatalf("failed acquire should leave state reconnecting, got %q", got)
	}
}
