// Package domain implements the channel chat service: five fixed channels,
// bounded histories, and ordered fan-out to subscribers.
package domain

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pennyrealm/pennyrealm/internal/errors"
	"github.com/pennyrealm/pennyrealm/internal/platform/id"
	"github.com/pennyrealm/pennyrealm/internal/services/shared/filter"
	"github.com/pennyrealm/pennyrealm/internal/services/shared/moderation"
	"github.com/pennyrealm/pennyrealm/internal/services/shared/ratelimit"
)

// Channel identifies one of the fixed chat scopes.
type Channel string

const (
	ChannelGlobal Channel = "global"
	ChannelLocal  Channel = "local"
	ChannelGuild  Channel = "guild"
	ChannelTrade  Channel = "trade"
	ChannelHelp   Channel = "help"
)

// Channels lists every chat channel in a stable order.
var Channels = []Channel{ChannelGlobal, ChannelLocal, ChannelGuild, ChannelTrade, ChannelHelp}

const (
	// MaxHistory bounds the retained messages per channel.
	MaxHistory = 500
	// MaxBodyRunes bounds a message body after filtering.
	MaxBodyRunes = 500
	// MaxHistoryPage bounds one history request.
	MaxHistoryPage = 100
	// DefaultHistoryPage applies when a request omits the limit.
	DefaultHistoryPage = 50

	// rateBucket is the limiter bucket shared by all channel sends.
	rateBucket = "chat"
)

var (
	// ErrMuted indicates the sender is muted.
	ErrMuted = errors.New(errors.CodeMuted, "sender is muted")
	// ErrRateLimited indicates the sender exhausted the chat window.
	ErrRateLimited = errors.New(errors.CodeRateLimited, "too many messages, slow down")
	// ErrUnknownChannel indicates the channel is not one of the fixed five.
	ErrUnknownChannel = errors.New(errors.CodeUnknownChannel, "unknown chat channel")
	// ErrSlowMode indicates the channel slow-mode interval has not elapsed.
	ErrSlowMode = errors.New(errors.CodeSlowMode, "channel is in slow mode")
	// ErrBodyTooLong indicates the filtered body exceeds the channel bound.
	ErrBodyTooLong = errors.New(errors.CodeBodyTooLong, "message is too long")
)

// ParseChannel validates a wire channel name.
func ParseChannel(name string) (Channel, error) {
	channel := Channel(strings.TrimSpace(name))
	for _, known := range Channels {
		if channel == known {
			return channel, nil
		}
	}
	return "", ErrUnknownChannel
}

// Message is one immutable chat line.
type Message struct {
	ID         string    `json:"id"`
	Channel    Channel   `json:"channel"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
	Filtered   bool      `json:"filtered,omitempty"`
	System     bool      `json:"system,omitempty"`
}

// Event is the fan-out notification for one appended message.
type Event struct {
	Message Message
}

type lastSendKey struct {
	sender  string
	channel Channel
}

// Service owns the per-channel histories. All mutation happens under its
// lock, so broadcast order equals insertion order within a channel.
type Service struct {
	mu        sync.Mutex
	histories map[Channel][]Message
	lastSend  map[lastSendKey]time.Time

	moderation *moderation.Registry
	limiter    *ratelimit.Limiter
	clock      func() time.Time
	newID      func() (string, error)
	publish    func(Event)
	onMutation func()
}

// NewService constructs the chat service. The publish hook is invoked under
// the service lock in insertion order and must not call back into the
// service.
func NewService(registry *moderation.Registry, limiter *ratelimit.Limiter, clock func() time.Time, newID func() (string, error)) *Service {
	if clock == nil {
		clock = time.Now
	}
	if newID == nil {
		newID = id.NewID
	}
	histories := make(map[Channel][]Message, len(Channels))
	for _, channel := range Channels {
		histories[channel] = nil
	}
	return &Service{
		histories:  histories,
		lastSend:   make(map[lastSendKey]time.Time),
		moderation: registry,
		limiter:    limiter,
		clock:      clock,
		newID:      newID,
	}
}

// SetPublisher registers the outbound event hook.
func (s *Service) SetPublisher(publish func(Event)) {
	s.mu.Lock()
	s.publish = publish
	s.mu.Unlock()
}

// SetMutationHook registers the snapshot dirty-mark callback.
func (s *Service) SetMutationHook(hook func()) {
	s.mu.Lock()
	s.onMutation = hook
	s.mu.Unlock()
}

// SendInput carries one player chat send.
type SendInput struct {
	SenderID   string
	SenderName string
	Channel    string
	Body       string
}

// Send validates, filters, and appends one message to a channel.
func (s *Service) Send(input SendInput) (Message, error) {
	channel, err := ParseChannel(input.Channel)
	if err != nil {
		return Message{}, err
	}
	if s.moderation != nil && s.moderation.IsMuted(input.SenderID) {
		return Message{}, ErrMuted
	}

	now := s.clock()
	if s.limiter != nil && !s.limiter.Allow(input.SenderID, rateBucket, now) {
		return Message{}, ErrRateLimited
	}

	result, err := filter.Apply(input.Body)
	if err != nil {
		return Message{}, err
	}
	if utf8.RuneCountInString(result.Text) > MaxBodyRunes {
		return Message{}, ErrBodyTooLong
	}

	messageID, err := s.newID()
	if err != nil {
		return Message{}, errors.Wrap(errors.CodeInternal, "generate message id", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := lastSendKey{sender: input.SenderID, channel: channel}
	if s.moderation != nil {
		if interval := s.moderation.SlowModeInterval(string(channel)); interval > 0 {
			if last, ok := s.lastSend[key]; ok && now.Sub(last) < interval {
				return Message{}, ErrSlowMode
			}
		}
	}

	msg := Message{
		ID:         messageID,
		Channel:    channel,
		SenderID:   input.SenderID,
		SenderName: input.SenderName,
		Body:       result.Text,
		CreatedAt:  now.UTC(),
		Filtered:   result.WasFiltered,
	}
	s.appendLocked(msg)
	s.lastSend[key] = now
	return msg, nil
}

// BroadcastSystem appends a system line to a channel, bypassing the filter,
// rate limiter, and slow mode.
func (s *Service) BroadcastSystem(channelName, body string) (Message, error) {
	channel, err := ParseChannel(channelName)
	if err != nil {
		return Message{}, err
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return Message{}, filter.ErrEmptyAfterFilter
	}

	messageID, err := s.newID()
	if err != nil {
		return Message{}, errors.Wrap(errors.CodeInternal, "generate message id", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msg := Message{
		ID:         messageID,
		Channel:    channel,
		SenderID:   "system",
		SenderName: "system",
		Body:       body,
		CreatedAt:  s.clock().UTC(),
		System:     true,
	}
	s.appendLocked(msg)
	return msg, nil
}

func (s *Service) appendLocked(msg Message) {
	history := append(s.histories[msg.Channel], msg)
	if len(history) > MaxHistory {
		history = history[len(history)-MaxHistory:]
	}
	s.histories[msg.Channel] = history

	if s.publish != nil {
		s.publish(Event{Message: msg})
	}
	if s.onMutation != nil {
		s.onMutation()
	}
}

// History returns a newest-first slice of messages older than beforeID.
// An empty beforeID starts from the newest message.
func (s *Service) History(channelName, beforeID string, limit int) ([]Message, error) {
	channel, err := ParseChannel(channelName)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryPage
	}
	if limit > MaxHistoryPage {
		limit = MaxHistoryPage
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.histories[channel]
	end := len(history)
	if beforeID != "" {
		end = 0
		for i, msg := range history {
			if msg.ID == beforeID {
				end = i
				break
			}
		}
	}

	page := make([]Message, 0, limit)
	for i := end - 1; i >= 0 && len(page) < limit; i-- {
		page = append(page, history[i])
	}
	return page, nil
}

// State is the marshal-safe chat snapshot, keyed by channel.
type State map[Channel][]Message

// Snapshot copies the channel histories for persistence.
func (s *Service) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := make(State, len(s.histories))
	for channel, history := range s.histories {
		state[channel] = append([]Message(nil), history...)
	}
	return state
}

// Restore replaces the channel histories from a snapshot. Unknown channels
// in the snapshot are dropped.
func (s *Service) Restore(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, channel := range Channels {
		history := state[channel]
		if len(history) > MaxHistory {
			history = history[len(history)-MaxHistory:]
		}
		s.histories[channel] = append([]Message(nil), history...)
	}
}
