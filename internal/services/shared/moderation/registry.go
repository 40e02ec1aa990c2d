// Package moderation tracks mutes, bans, slow-mode intervals, and moderator
// capabilities consulted by every messaging ingress path.
package moderation

import (
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"
)

// Ban describes one active user ban. A zero Until means the ban is
// permanent.
type Ban struct {
	Reason string    `json:"reason"`
	Until  time.Time `json:"until,omitzero"`
}

// Active reports whether the ban still applies at the given instant.
func (b Ban) Active(now time.Time) bool {
	return b.Until.IsZero() || now.Before(b.Until)
}

type ipBan struct {
	addr   netip.Addr
	prefix netip.Prefix
	isCIDR bool
	ban    Ban
}

// Registry holds the server-side moderation state. Expired entries become
// inactive on read and are pruned lazily; no reaper is needed.
type Registry struct {
	mu         sync.Mutex
	muted      map[string]struct{}
	banned     map[string]Ban
	bannedIPs  map[string]ipBan
	slowMode   map[string]time.Duration
	moderators map[string]struct{}
	clock      func() time.Time
}

// NewRegistry creates an empty moderation registry.
func NewRegistry(clock func() time.Time) *Registry {
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		muted:      make(map[string]struct{}),
		banned:     make(map[string]Ban),
		bannedIPs:  make(map[string]ipBan),
		slowMode:   make(map[string]time.Duration),
		moderators: make(map[string]struct{}),
		clock:      clock,
	}
}

// Mute silences a user across chat, DMs, mail, and forum posting.
func (r *Registry) Mute(userID string) {
	r.mu.Lock()
	r.muted[userID] = struct{}{}
	r.mu.Unlock()
}

// Unmute lifts a mute. Unknown users are a no-op.
func (r *Registry) Unmute(userID string) {
	r.mu.Lock()
	delete(r.muted, userID)
	r.mu.Unlock()
}

// IsMuted reports whether the user is currently muted.
func (r *Registry) IsMuted(userID string) bool {
	r.mu.Lock()
	_, ok := r.muted[userID]
	r.mu.Unlock()
	return ok
}

// Ban bars a user. A zero duration means permanent.
func (r *Registry) Ban(userID, reason string, duration time.Duration) {
	ban := Ban{Reason: reason}
	if duration > 0 {
		ban.Until = r.clock().Add(duration)
	}
	r.mu.Lock()
	r.banned[userID] = ban
	r.mu.Unlock()
}

// Unban lifts a user ban.
func (r *Registry) Unban(userID string) {
	r.mu.Lock()
	delete(r.banned, userID)
	r.mu.Unlock()
}

// BanOf returns the active ban for a user, if any. Expired entries are
// pruned on the way out.
func (r *Registry) BanOf(userID string) (Ban, bool) {
	now := r.clock()
	r.mu.Lock()
	defer r.mu.Unlock()

	ban, ok := r.banned[userID]
	if !ok {
		return Ban{}, false
	}
	if !ban.Active(now) {
		delete(r.banned, userID)
		return Ban{}, false
	}
	return ban, true
}

// BanIP bars an address or CIDR range. A zero duration means permanent.
func (r *Registry) BanIP(target, reason string, duration time.Duration) error {
	target = strings.TrimSpace(target)
	ban := Ban{Reason: reason}
	if duration > 0 {
		ban.Until = r.clock().Add(duration)
	}

	entry, err := parseIPTarget(target)
	if err != nil {
		return err
	}
	entry.ban = ban

	r.mu.Lock()
	r.bannedIPs[target] = entry
	r.mu.Unlock()
	return nil
}

// parseIPTarget interprets a ban target as a single address or, when it
// contains a slash, a CIDR range.
func parseIPTarget(target string) (ipBan, error) {
	if strings.Contains(target, "/") {
		prefix, err := netip.ParsePrefix(target)
		if err != nil {
			return ipBan{}, err
		}
		return ipBan{prefix: prefix, isCIDR: true}, nil
	}
	addr, err := netip.ParseAddr(target)
	if err != nil {
		return ipBan{}, err
	}
	return ipBan{addr: addr}, nil
}

// UnbanIP lifts an address or CIDR ban.
func (r *Registry) UnbanIP(target string) {
	r.mu.Lock()
	delete(r.bannedIPs, strings.TrimSpace(target))
	r.mu.Unlock()
}

// IsIPBanned reports whether the remote address is covered by an active
// ban. The address may carry a port.
func (r *Registry) IsIPBanned(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}

	now := r.clock()
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, entry := range r.bannedIPs {
		if !entry.ban.Active(now) {
			delete(r.bannedIPs, key)
			continue
		}
		if entry.isCIDR {
			if entry.prefix.Contains(addr) {
				return true
			}
			continue
		}
		if entry.addr == addr {
			return true
		}
	}
	return false
}

// SetSlowMode sets the minimum interval between sends per user for a
// channel. A non-positive interval clears slow mode.
func (r *Registry) SetSlowMode(channel string, interval time.Duration) {
	r.mu.Lock()
	if interval <= 0 {
		delete(r.slowMode, channel)
	} else {
		r.slowMode[channel] = interval
	}
	r.mu.Unlock()
}

// SlowModeInterval returns the configured interval for a channel, zero when
// slow mode is off.
func (r *Registry) SlowModeInterval(channel string) time.Duration {
	r.mu.Lock()
	interval := r.slowMode[channel]
	r.mu.Unlock()
	return interval
}

// GrantModerator marks a user as holding the moderator capability. The
// capability is server state; client-supplied flags are never trusted.
func (r *Registry) GrantModerator(userID string) {
	r.mu.Lock()
	r.moderators[userID] = struct{}{}
	r.mu.Unlock()
}

// RevokeModerator removes the moderator capability.
func (r *Registry) RevokeModerator(userID string) {
	r.mu.Lock()
	delete(r.moderators, userID)
	r.mu.Unlock()
}

// IsModerator reports whether the user holds the moderator capability.
func (r *Registry) IsModerator(userID string) bool {
	r.mu.Lock()
	_, ok := r.moderators[userID]
	r.mu.Unlock()
	return ok
}

// Snapshot returns a copy of the registry state for persistence.
func (r *Registry) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := State{
		Muted:      make([]string, 0, len(r.muted)),
		Banned:     make(map[string]Ban, len(r.banned)),
		BannedIPs:  make(map[string]Ban, len(r.bannedIPs)),
		SlowMode:   make(map[string]time.Duration, len(r.slowMode)),
		Moderators: make([]string, 0, len(r.moderators)),
	}
	for userID := range r.muted {
		state.Muted = append(state.Muted, userID)
	}
	for userID, ban := range r.banned {
		state.Banned[userID] = ban
	}
	for target, entry := range r.bannedIPs {
		state.BannedIPs[target] = entry.ban
	}
	for channel, interval := range r.slowMode {
		state.SlowMode[channel] = interval
	}
	for userID := range r.moderators {
		state.Moderators = append(state.Moderators, userID)
	}
	return state
}

// Restore replaces the registry state from a snapshot.
func (r *Registry) Restore(state State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.muted = make(map[string]struct{}, len(state.Muted))
	for _, userID := range state.Muted {
		r.muted[userID] = struct{}{}
	}
	r.banned = make(map[string]Ban, len(state.Banned))
	for userID, ban := range state.Banned {
		r.banned[userID] = ban
	}
	r.bannedIPs = make(map[string]ipBan, len(state.BannedIPs))
	for target, ban := range state.BannedIPs {
		entry, err := parseIPTarget(target)
		if err != nil {
			continue
		}
		entry.ban = ban
		r.bannedIPs[target] = entry
	}
	r.slowMode = make(map[string]time.Duration, len(state.SlowMode))
	for channel, interval := range state.SlowMode {
		r.slowMode[channel] = interval
	}
	r.moderators = make(map[string]struct{}, len(state.Moderators))
	for _, userID := range state.Moderators {
		r.moderators[userID] = struct{}{}
	}
}

// State is the marshal-safe registry snapshot.
type State struct {
	Muted      []string                 `json:"muted"`
	Banned     map[string]Ban           `json:"banned"`
	BannedIPs  map[string]Ban           `json:"banned_ips"`
	SlowMode   map[string]time.Duration `json:"slow_mode"`
	Moderators []string                 `json:"moderators"`
}
