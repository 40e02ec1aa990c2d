package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	chatdomain "github.com/pennyrealm/pennyrealm/internal/services/chat/domain"
	monitordomain "github.com/pennyrealm/pennyrealm/internal/services/monitor/domain"
	playerstorage "github.com/pennyrealm/pennyrealm/internal/services/player/storage"
)

// locationTTL bounds how long a cached player location is trusted.
const locationTTL = 30 * time.Second

type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

type cachedLocation struct {
	location string
	at       time.Time
}

// hub tracks connected peers per user and fans outbound frames to them.
type hub struct {
	mu        sync.Mutex
	peers     map[string]map[*wsPeer]struct{}
	locations map[string]cachedLocation

	players playerstorage.Store
	monitor *monitordomain.Service
}

func newHub(players playerstorage.Store, monitor *monitordomain.Service) *hub {
	return &hub{
		peers:     make(map[string]map[*wsPeer]struct{}),
		locations: make(map[string]cachedLocation),
		players:   players,
		monitor:   monitor,
	}
}

func (h *hub) join(userID string, peer *wsPeer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.peers[userID]
	if !ok {
		set = make(map[*wsPeer]struct{})
		h.peers[userID] = set
	}
	set[peer] = struct{}{}
}

func (h *hub) leave(userID string, peer *wsPeer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.peers[userID]
	if !ok {
		return
	}
	delete(set, peer)
	if len(set) == 0 {
		delete(h.peers, userID)
	}
}

// sendToUser delivers a frame to every connection the user holds.
func (h *hub) sendToUser(userID string, frame wsFrame) {
	for _, peer := range h.peersOf(userID) {
		_ = peer.writeFrame(frame)
	}
}

func (h *hub) peersOf(userID string) []*wsPeer {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.peers[userID]
	if !ok {
		return nil
	}
	peers := make([]*wsPeer, 0, len(set))
	for peer := range set {
		peers = append(peers, peer)
	}
	return peers
}

type connectedUser struct {
	userID string
	peers  []*wsPeer
}

func (h *hub) connected() []connectedUser {
	h.mu.Lock()
	defer h.mu.Unlock()

	users := make([]connectedUser, 0, len(h.peers))
	for userID, set := range h.peers {
		peers := make([]*wsPeer, 0, len(set))
		for peer := range set {
			peers = append(peers, peer)
		}
		users = append(users, connectedUser{userID: userID, peers: peers})
	}
	return users
}

// broadcastChat fans one chat message out. Local messages reach only users
// sharing the sender's location; every other channel reaches everyone.
func (h *hub) broadcastChat(msg chatdomain.Message) {
	frame := eventFrame("chat.message", chatMessageEnvelope{Message: msg})

	if msg.Channel != chatdomain.ChannelLocal || msg.System {
		for _, user := range h.connected() {
			for _, peer := range user.peers {
				_ = peer.writeFrame(frame)
			}
		}
		return
	}

	senderLocation := h.locationOf(msg.SenderID)
	for _, user := range h.connected() {
		if user.userID != msg.SenderID && h.locationOf(user.userID) != senderLocation {
			continue
		}
		for _, peer := range user.peers {
			_ = peer.writeFrame(frame)
		}
	}
}

// locationOf resolves a player's location through a short-lived cache so
// local chat does not hit the store once per recipient per message.
func (h *hub) locationOf(userID string) string {
	now := time.Now()

	h.mu.Lock()
	cached, ok := h.locations[userID]
	h.mu.Unlock()
	if ok && now.Sub(cached.at) < locationTTL {
		if h.monitor != nil {
			h.monitor.RecordCacheHit()
		}
		return cached.location
	}
	if h.monitor != nil {
		h.monitor.RecordCacheMiss()
	}

	location := ""
	if h.players != nil {
		started := time.Now()
		record, err := h.players.GetPlayer(context.Background(), userID)
		if h.monitor != nil {
			h.monitor.RecordDBQuery(time.Since(started))
		}
		if err == nil {
			location = record.Location
		}
	}

	h.mu.Lock()
	h.locations[userID] = cachedLocation{location: location, at: now}
	h.mu.Unlock()
	return location
}
