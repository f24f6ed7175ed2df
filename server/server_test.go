package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/antarber/nevermore/bot"
	"github.com/antarber/nevermore/store"
	"github.com/antarber/nevermore/telemetry"
	"github.com/antarber/nevermore/vkapi"
)

func newTestMux(t *testing.T, st store.Store) *httptest.Server {
	t.Helper()
	telemetry.Init()
	b := &bot.Bot{LP: &vkapi.LongPoll{Client: &vkapi.Client{Token: "t", GroupID: 1}}}
	srv := httptest.NewServer(NewMux(nil, st, b))
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthz(t *testing.T) {
	srv := newTestMux(t, store.NewMemory())
	resp, err := srv.Client().Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Correlation-ID") == "" {
		t.Fatal("missing correlation id header")
	}
}

func TestReadyzRequiresSeededRoster(t *testing.T) {
	st := store.NewMemory()
	srv := newTestMux(t, st)

	resp, err := srv.Client().Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 503 {
		t.Fatalf("empty roster should not be ready, got %d", resp.StatusCode)
	}

	if err := st.SeedRoster(context.Background(), []int64{1}, nil); err != nil {
		t.Fatalf("seed roster: %v", err)
	}
	resp, err = srv.Client().Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("seeded roster should be ready, got %d", resp.StatusCode)
	}
}

func TestStatusSnapshot(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	if _, err := st.AddUnifiedChat(ctx, 2000000001); err != nil {
		t.Fatalf("unify: %v", err)
	}
	if err := st.SeedRoster(ctx, []int64{1}, []int64{2}); err != nil {
		t.Fatalf("seed roster: %v", err)
	}
	srv := newTestMux(t, st)

	resp, err := srv.Client().Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["service"] != "nevermore" {
		t.Fatalf("unexpected service field: %v", body["service"])
	}
	if body["session_state"] != vkapi.StateIdle {
		t.Fatalf("fresh session should be idle, got %v", body["session_state"])
	}
	if body["unified_chats"] != float64(1) || body["admins"] != float64(1) || body["moderators"] != float64(1) {
		t.Fatalf("unexpected counts: %v", body)
	}
}
