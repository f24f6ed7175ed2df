package moderation

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/antarber/nevermore/store"
	"github.com/antarber/nevermore/telemetry"
	"github.com/antarber/nevermore/vkapi"
)

const (
	roomA = chatPeerOffset + 1
	roomB = chatPeerOffset + 2
	roomC = chatPeerOffset + 3
)

type sentMsg struct {
	peer int64
	text string
}

type fakeMessenger struct {
	sent    []sentMsg
	deleted []int64
	removed []int64
	calls   int
}

func (f *fakeMessenger) SendMessage(_ context.Context, peer int64, text string) error {
	f.calls++
	f.sent = append(f.sent, sentMsg{peer, text})
	return nil
}

func (f *fakeMessenger) DeleteMessage(_ context.Context, peer, cmid int64) error {
	f.calls++
	f.deleted = append(f.deleted, cmid)
	return nil
}

func (f *fakeMessenger) RemoveChatUser(_ context.Context, _, user int64) error {
	f.calls++
	f.removed = append(f.removed, user)
	return nil
}

func (f *fakeMessenger) UserMention(_ context.Context, user int64) string {
	return fmt.Sprintf("[id%d|id%d]", user, user)
}

func (f *fakeMessenger) ChatTitle(_ context.Context, peer int64) string {
	return fmt.Sprintf("Chat #%d", peer-chatPeerOffset)
}

func (f *fakeMessenger) sentTo(peer int64) []string {
	var out []string
	for _, s := range f.sent {
		if s.peer == peer {
			out = append(out, s.text)
		}
	}
	return out
}

func newTestEngine(t *testing.T) (*Engine, *fakeMessenger, *store.Memory, *time.Time) {
	t.Helper()
	telemetry.Init()
	st := store.NewMemory()
	msg := &fakeMessenger{}
	eng := NewEngine(st, msg, Policy{
		GroupID:           999,
		SuperAdmins:       []int64{1},
		MuteDuration:      5 * time.Minute,
		KickDuration:      10 * time.Minute,
		MaxWarnings:       3,
		FloodMaxMessages:  5,
		FloodWindow:       10 * time.Second,
		FloodMuteDuration: 5 * time.Minute,
		AutoDeleteLinks:   true,
		BadWords:          []string{"heresy"},
		MaxMentions:       3,
	})
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	eng.now = func() time.Time { return *clock }
	return eng, msg, st, clock
}

func seedStaff(t *testing.T, st *store.Memory) {
	t.Helper()
	if err := st.SeedRoster(context.Background(), []int64{1}, []int64{2}); err != nil {
		t.Fatalf("seed roster: %v", err)
	}
}

func TestMuteExpiresWithClock(t *testing.T) {
	eng, _, _, clock := newTestEngine(t)
	ctx := context.Background()

	if err := eng.Mute(ctx, roomA, 50, 5*time.Minute, Direct); err != nil {
		t.Fatalf("mute: %v", err)
	}
	if !eng.IsMuted(ctx, 50) {
		t.Fatal("user should be muted")
	}
	*clock = clock.Add(5*time.Minute + time.Second)
	if eng.IsMuted(ctx, 50) {
		t.Fatal("mute should have lapsed after the deadline")
	}
}

func TestMuteRejectsAdminTarget(t *testing.T) {
	eng, msg, st, _ := newTestEngine(t)
	ctx := context.Background()
	seedStaff(t, st)

	if err := eng.Mute(ctx, roomA, 1, time.Minute, Direct); err != nil {
		t.Fatalf("mute: %v", err)
	}
	if eng.IsMuted(ctx, 1) {
		t.Fatal("admin must not be muted")
	}
	if len(msg.sent) != 1 || !strings.Contains(msg.sent[0].text, "cannot be muted") {
		t.Fatalf("expected a refusal notice, got %v", msg.sent)
	}
}

func TestWarnThresholdMutesAndResets(t *testing.T) {
	eng, _, st, _ := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := eng.Warn(ctx, roomA, 50, "spam", Direct); err != nil {
			t.Fatalf("warn %d: %v", i+1, err)
		}
		if eng.IsMuted(ctx, 50) {
			t.Fatalf("muted after %d warnings", i+1)
		}
	}
	if err := eng.Warn(ctx, roomA, 50, "spam", Direct); err != nil {
		t.Fatalf("third warn: %v", err)
	}
	if !eng.IsMuted(ctx, 50) {
		t.Fatal("third warning should auto-mute")
	}
	count, err := st.WarnCount(ctx, roomA, 50)
	if err != nil {
		t.Fatalf("warn count: %v", err)
	}
	if count != 0 {
		t.Fatalf("counter should reset after auto-mute, got %d", count)
	}

	// The cycle restarts cleanly.
	if err := eng.Warn(ctx, roomA, 50, "", Direct); err != nil {
		t.Fatalf("warn after reset: %v", err)
	}
	if count, _ = st.WarnCount(ctx, roomA, 50); count != 1 {
		t.Fatalf("expected count 1 after reset, got %d", count)
	}
}

func TestUnwarnAtZeroKeepsZero(t *testing.T) {
	eng, msg, st, _ := newTestEngine(t)
	ctx := context.Background()

	if err := eng.Unwarn(ctx, roomA, 50, Direct); err != nil {
		t.Fatalf("unwarn: %v", err)
	}
	count, err := st.WarnCount(ctx, roomA, 50)
	if err != nil {
		t.Fatalf("warn count: %v", err)
	}
	if count != 0 {
		t.Fatalf("count went negative or positive: %d", count)
	}
	if len(msg.sent) != 1 || !strings.Contains(msg.sent[0].text, "no warnings") {
		t.Fatalf("expected an informational notice, got %v", msg.sent)
	}
}

func TestPropagationReachesOtherUnifiedChats(t *testing.T) {
	eng, msg, st, _ := newTestEngine(t)
	ctx := context.Background()
	for _, room := range []int64{roomA, roomB, roomC} {
		if _, err := st.AddUnifiedChat(ctx, room); err != nil {
			t.Fatalf("unify: %v", err)
		}
	}

	if err := eng.Ban(ctx, roomA, 50, Direct); err != nil {
		t.Fatalf("ban: %v", err)
	}
	if banned, _ := st.IsBanned(ctx, 50); !banned {
		t.Fatal("ban should be recorded")
	}
	for _, room := range []int64{roomB, roomC} {
		texts := msg.sentTo(room)
		if len(texts) != 1 || !strings.Contains(texts[0], "Sync") {
			t.Fatalf("room %d: expected exactly one sync notice, got %v", room, texts)
		}
	}
	// A ban removes the user from the origin room and each replica room.
	if len(msg.removed) != 3 {
		t.Fatalf("expected 3 room removals, got %d", len(msg.removed))
	}
}

func TestPropagationCallBound(t *testing.T) {
	eng, msg, st, _ := newTestEngine(t)
	ctx := context.Background()
	rooms := []int64{roomA, roomB, roomC, chatPeerOffset + 4}
	for _, room := range rooms {
		if _, err := st.AddUnifiedChat(ctx, room); err != nil {
			t.Fatalf("unify: %v", err)
		}
	}

	before := msg.calls
	if err := eng.Mute(ctx, roomA, 50, time.Minute, Direct); err != nil {
		t.Fatalf("mute: %v", err)
	}
	// Origin notification plus at most one sync notice per other room.
	calls := msg.calls - before
	limit := 1 + 2*(len(rooms)-1)
	if calls > limit {
		t.Fatalf("mute fan-out made %d platform calls, limit %d", calls, limit)
	}
}

func TestReplayDoesNotFanOutAgain(t *testing.T) {
	eng, msg, st, _ := newTestEngine(t)
	ctx := context.Background()
	for _, room := range []int64{roomA, roomB} {
		if _, err := st.AddUnifiedChat(ctx, room); err != nil {
			t.Fatalf("unify: %v", err)
		}
	}

	if err := eng.Mute(ctx, roomB, 50, time.Minute, Replayed(roomA)); err != nil {
		t.Fatalf("replay mute: %v", err)
	}
	if !eng.IsMuted(ctx, 50) {
		t.Fatal("replay should write state")
	}
	if len(msg.sent) != 0 {
		t.Fatalf("replay must not notify or fan out, got %v", msg.sent)
	}
}

func TestPropagationSkippedOutsideUnion(t *testing.T) {
	eng, msg, st, _ := newTestEngine(t)
	ctx := context.Background()
	for _, room := range []int64{roomB, roomC} {
		if _, err := st.AddUnifiedChat(ctx, room); err != nil {
			t.Fatalf("unify: %v", err)
		}
	}

	// roomA is not unified, so its actions stay local.
	if err := eng.Mute(ctx, roomA, 50, time.Minute, Direct); err != nil {
		t.Fatalf("mute: %v", err)
	}
	if got := msg.sentTo(roomB); len(got) != 0 {
		t.Fatalf("unexpected fan-out to roomB: %v", got)
	}
	if got := msg.sentTo(roomC); len(got) != 0 {
		t.Fatalf("unexpected fan-out to roomC: %v", got)
	}
}

func TestFloodWindow(t *testing.T) {
	eng, _, _, clock := newTestEngine(t)

	for i := 0; i < 5; i++ {
		if !eng.CheckFlood(50) {
			t.Fatalf("message %d should pass", i+1)
		}
		*clock = clock.Add(time.Second)
	}
	if eng.CheckFlood(50) {
		t.Fatal("sixth message inside the window should be denied")
	}
	// The denied message still counts: one second later the window is still
	// saturated.
	*clock = clock.Add(time.Second)
	if eng.CheckFlood(50) {
		t.Fatal("window should stay saturated while the user keeps sending")
	}
	// After the window passes with no traffic, the user is clean again.
	*clock = clock.Add(11 * time.Second)
	if !eng.CheckFlood(50) {
		t.Fatal("window should clear after the flood window elapses")
	}
}

func TestResolveReplyBeatsMention(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	msg := &vkapi.Message{
		FromID:       2,
		PeerID:       roomA,
		Text:         "/mute [id77|Someone] 10",
		ReplyMessage: &vkapi.Message{FromID: 42},
	}
	target, consumed, ok := eng.ResolveTarget(ctx, msg, []string{"[id77|Someone]", "10"})
	if !ok {
		t.Fatal("resolution failed")
	}
	if target != 42 {
		t.Fatalf("reply target must win, got %d", target)
	}
	if consumed != 0 {
		t.Fatalf("reply resolution must not consume arguments, got %d", consumed)
	}
}

func TestResolveMentionNumericNickname(t *testing.T) {
	eng, _, st, _ := newTestEngine(t)
	ctx := context.Background()
	if err := st.SetNickname(ctx, roomA, 88, "Sparrow"); err != nil {
		t.Fatalf("set nickname: %v", err)
	}

	cases := []struct {
		arg  string
		want int64
	}{
		{"[id77|Someone]", 77},
		{"123", 123},
		{"sparrow", 88}, // case-insensitive
	}
	for _, tc := range cases {
		target, consumed, ok := eng.ResolveTarget(ctx, &vkapi.Message{}, []string{tc.arg})
		if !ok || target != tc.want || consumed != 1 {
			t.Fatalf("arg %q: got (%d, %d, %v), want (%d, 1, true)", tc.arg, target, consumed, ok, tc.want)
		}
	}
	if _, _, ok := eng.ResolveTarget(ctx, &vkapi.Message{}, []string{"nobody"}); ok {
		t.Fatal("unknown token should not resolve")
	}
}

func TestSweepAnnouncesOncePerUnifiedChat(t *testing.T) {
	eng, msg, st, clock := newTestEngine(t)
	ctx := context.Background()
	for _, room := range []int64{roomA, roomB} {
		if _, err := st.AddUnifiedChat(ctx, room); err != nil {
			t.Fatalf("unify: %v", err)
		}
	}
	if err := st.SetMute(ctx, 50, clock.Add(time.Minute)); err != nil {
		t.Fatalf("set mute: %v", err)
	}

	*clock = clock.Add(2 * time.Minute)
	if err := eng.SweepExpiredMutes(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if eng.IsMuted(ctx, 50) {
		t.Fatal("mute should be gone after sweep")
	}
	for _, room := range []int64{roomA, roomB} {
		if got := msg.sentTo(room); len(got) != 1 || !strings.Contains(got[0], "expired") {
			t.Fatalf("room %d: expected one expiry notice, got %v", room, got)
		}
	}

	// A second sweep finds nothing and stays silent.
	before := len(msg.sent)
	if err := eng.SweepExpiredMutes(ctx); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if len(msg.sent) != before {
		t.Fatal("idle sweep must not announce")
	}
}

func TestBanIsIdempotent(t *testing.T) {
	eng, msg, _, _ := newTestEngine(t)
	ctx := context.Background()

	if err := eng.Ban(ctx, roomA, 50, Direct); err != nil {
		t.Fatalf("ban: %v", err)
	}
	if err := eng.Ban(ctx, roomA, 50, Direct); err != nil {
		t.Fatalf("second ban: %v", err)
	}
	var already int
	for _, s := range msg.sent {
		if strings.Contains(s.text, "already banned") {
			already++
		}
	}
	if already != 1 {
		t.Fatalf("expected one already-banned notice, got %d", already)
	}
}

func TestKickRecordsReentryBan(t *testing.T) {
	eng, msg, _, clock := newTestEngine(t)
	ctx := context.Background()

	if err := eng.Kick(ctx, roomA, 50, Direct); err != nil {
		t.Fatalf("kick: %v", err)
	}
	if len(msg.removed) != 1 || msg.removed[0] != 50 {
		t.Fatalf("expected room removal of user 50, got %v", msg.removed)
	}
	if !eng.IsKicked(ctx, 50) {
		t.Fatal("re-entry ban should be active")
	}
	*clock = clock.Add(10*time.Minute + time.Second)
	if eng.IsKicked(ctx, 50) {
		t.Fatal("re-entry ban should lapse after the kick duration")
	}
}
