package moderation

import (
	"testing"
	"time"
)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestMuteUnmute(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(nil)
	registry.Mute("user-1")
	if !registry.IsMuted("user-1") {
		t.Fatal("expected user-1 muted")
	}
	registry.Unmute("user-1")
	if registry.IsMuted("user-1") {
		t.Fatal("expected user-1 unmuted")
	}
}

func TestBanExpiresOnRead(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	registry := NewRegistry(func() time.Time { return clock })

	registry.Ban("user-1", "spamming trade chat", time.Hour)
	if _, ok := registry.BanOf("user-1"); !ok {
		t.Fatal("expected active ban")
	}

	clock = now.Add(time.Hour + time.Second)
	if _, ok := registry.BanOf("user-1"); ok {
		t.Fatal("expected ban expired")
	}
	// Expired entry is pruned, not merely hidden.
	if _, ok := registry.banned["user-1"]; ok {
		t.Fatal("expected expired ban pruned")
	}
}

func TestPermanentBan(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(fixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
	registry.Ban("user-1", "currency exploit", 0)
	ban, ok := registry.BanOf("user-1")
	if !ok {
		t.Fatal("expected permanent ban active")
	}
	if ban.Reason != "currency exploit" {
		t.Fatalf("expected reason preserved, got %q", ban.Reason)
	}
	registry.Unban("user-1")
	if _, ok := registry.BanOf("user-1"); ok {
		t.Fatal("expected ban lifted")
	}
}

func TestIPBanExactAndCIDR(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(fixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
	if err := registry.BanIP("203.0.113.7", "flooding", 0); err != nil {
		t.Fatalf("ban addr: %v", err)
	}
	if err := registry.BanIP("198.51.100.0/24", "proxy range", 0); err != nil {
		t.Fatalf("ban cidr: %v", err)
	}

	if !registry.IsIPBanned("203.0.113.7:52110") {
		t.Fatal("expected exact address banned")
	}
	if !registry.IsIPBanned("198.51.100.42:1000") {
		t.Fatal("expected address inside range banned")
	}
	if registry.IsIPBanned("192.0.2.1:1000") {
		t.Fatal("expected unrelated address allowed")
	}

	registry.UnbanIP("203.0.113.7")
	if registry.IsIPBanned("203.0.113.7:52110") {
		t.Fatal("expected address unbanned")
	}
}

func TestBanIPRejectsGarbage(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(nil)
	if err := registry.BanIP("not-an-address", "", 0); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSlowMode(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(nil)
	registry.SetSlowMode("global", 5*time.Second)
	if got := registry.SlowModeInterval("global"); got != 5*time.Second {
		t.Fatalf("expected 5s interval, got %v", got)
	}
	registry.SetSlowMode("global", 0)
	if got := registry.SlowModeInterval("global"); got != 0 {
		t.Fatalf("expected slow mode cleared, got %v", got)
	}
}

func TestModeratorCapability(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(nil)
	if registry.IsModerator("user-1") {
		t.Fatal("expected no capability by default")
	}
	registry.GrantModerator("user-1")
	if !registry.IsModerator("user-1") {
		t.Fatal("expected capability granted")
	}
	registry.RevokeModerator("user-1")
	if registry.IsModerator("user-1") {
		t.Fatal("expected capability revoked")
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(fixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
	registry.Mute("user-1")
	registry.Ban("user-2", "abuse", time.Hour)
	registry.SetSlowMode("trade", 10*time.Second)
	registry.GrantModerator("mod-1")

	restored := NewRegistry(fixedClock(time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)))
	restored.Restore(registry.Snapshot())

	if !restored.IsMuted("user-1") {
		t.Fatal("expected mute restored")
	}
	if _, ok := restored.BanOf("user-2"); !ok {
		t.Fatal("expected ban restored")
	}
	if restored.SlowModeInterval("trade") != 10*time.Second {
		t.Fatal("expected slow mode restored")
	}
	if !restored.IsModerator("mod-1") {
		t.Fatal("expected moderator restored")
	}
}

func TestSnapshotRestoreKeepsIPBans(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(fixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
	if err := registry.BanIP("203.0.113.9", "abuse", time.Hour); err != nil {
		t.Fatalf("ban address: %v", err)
	}
	if err := registry.BanIP("198.51.100.0/24", "scraping", 0); err != nil {
		t.Fatalf("ban range: %v", err)
	}

	restored := NewRegistry(fixedClock(time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)))
	restored.Restore(registry.Snapshot())

	if !restored.IsIPBanned("203.0.113.9:4455") {
		t.Fatal("expected address ban restored")
	}
	if !restored.IsIPBanned("198.51.100.77:80") {
		t.Fatal("expected range ban restored")
	}
	if restored.IsIPBanned("192.0.2.1:80") {
		t.Fatal("unexpected ban for unrelated address")
	}
}
