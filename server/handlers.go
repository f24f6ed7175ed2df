package server

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/antarber/nevermore/bot"
	"github.com/antarber/nevermore/store"
)

// Handlers carries the dependencies of the HTTP endpoints.
type Handlers struct {
	db    *sql.DB
	store store.Store
	bot   *bot.Bot
}

// HandleHealthz responds to liveness probe requests by checking database
// connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.PingContext(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with detailed checks:
// the database answers and the roster has at least one administrator.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error {
			if h.db == nil {
				return nil
			}
			return h.db.PingContext(r.Context())
		}},
		{"roster", func() error {
			admins, err := h.store.ListRole(r.Context(), store.RoleAdmin)
			if err != nil {
				return err
			}
			if len(admins) == 0 {
				return fmt.Errorf("no administrators seeded")
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// HandleStatus reports a snapshot of the event loop and moderation state.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"service": "nevermore",
	}
	if h.bot != nil {
		out["session_state"] = h.bot.LP.State()
		out["cursor"] = h.bot.LP.Cursor()
		if last := h.bot.LastLoop(); !last.IsZero() {
			out["last_loop_at"] = last.UTC().Format(time.RFC3339)
			out["loop_age_seconds"] = int(time.Since(last).Seconds())
		}
	}
	if chats, err := h.store.UnifiedChats(r.Context()); err == nil {
		out["unified_chats"] = len(chats)
	}
	if admins, err := h.store.ListRole(r.Context(), store.RoleAdmin); err == nil {
		out["admins"] = len(admins)
	}
	if moders, err := h.store.ListRole(r.Context(), store.RoleModerator); err == nil {
		out["moderators"] = len(moders)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
