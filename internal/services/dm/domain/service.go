// Package domain implements direct messages: pairwise conversations with
// blocklists, unread counters, and bounded offline retention.
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
)

const (
	// MaxConversation bounds retained messages per conversation.
	MaxConversation = 200
	// MaxBodyRunes bounds a DM body after filtering.
	MaxBodyRunes = 1000
	// DefaultPage applies when a conversation request omits the limit.
	DefaultPage = 50
	// MaxPage bounds one conversation request.
	MaxPage = 100
)

var (
	// ErrMuted indicates a globally muted participant.
	ErrMuted = errors.New(errors.CodeMuted, "sender is muted")
	// ErrBlocked indicates the recipient blocks the sender.
	ErrBlocked = errors.New(errors.CodeBlocked, "recipient has blocked this sender")
	// ErrBodyTooLong indicates the filtered body exceeds the DM bound.
	ErrBodyTooLong = errors.New(errors.CodeBodyTooLong, "message is too long")
	// ErrSelfMessage indicates sender and recipient are the same user.
	ErrSelfMessage = errors.New(errors.CodeValidationFailed, "cannot message yourself")
)

// Message is one direct message.
type Message struct {
	ID        string     `json:"id"`
	From      string     `json:"from"`
	To        string     `json:"to"`
	Body      string     `json:"body"`
	CreatedAt time.Time  `json:"created_at"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
}

// Event is the fan-out notification for one delivered message.
type Event struct {
	Message Message
}

// ConversationKey identifies the DM history between two users, independent
// of direction.
func ConversationKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

type conversation struct {
	messages []Message
	unread   map[string]int
}

// Service owns all conversations and blocklists.
type Service struct {
	mu            sync.Mutex
	conversations map[string]*conversation
	blocklists    map[string]map[string]struct{}

	moderation *moderation.Registry
	clock      func() time.Time
	newID      func() (string, error)
	publish    func(Event)
	onMutation func()
}

// NewService constructs the DM service.
func NewService(registry *moderation.Registry, clock func() time.Time, newID func() (string, error)) *Service {
	if clock == nil {
		clock = time.Now
	}
	if newID == nil {
		newID = id.NewID
	}
	return &Service{
		conversations: make(map[string]*conversation),
		blocklists:    make(map[string]map[string]struct{}),
		moderation:    registry,
		clock:         clock,
		newID:         newID,
	}
}

// SetPublisher registers the outbound event hook. It runs under the service
// lock in delivery order and must not call back into the service.
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

// Send delivers one direct message, creating the conversation lazily.
func (s *Service) Send(from, to, body string) (Message, error) {
	from = strings.TrimSpace(from)
	to = strings.TrimSpace(to)
	if from == to {
		return Message{}, ErrSelfMessage
	}
	if s.moderation != nil && (s.moderation.IsMuted(from) || s.moderation.IsMuted(to)) {
		return Message{}, ErrMuted
	}

	result, err := filter.Apply(body)
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

	if blocked, ok := s.blocklists[to]; ok {
		if _, hit := blocked[from]; hit {
			return Message{}, ErrBlocked
		}
	}

	msg := Message{
		ID:        messageID,
		From:      from,
		To:        to,
		Body:      result.Text,
		CreatedAt: s.clock().UTC(),
	}

	convo := s.conversationLocked(from, to)
	convo.messages = append(convo.messages, msg)
	if len(convo.messages) > MaxConversation {
		convo.messages = convo.messages[len(convo.messages)-MaxConversation:]
	}
	convo.unread[to]++

	if s.publish != nil {
		s.publish(Event{Message: msg})
	}
	if s.onMutation != nil {
		s.onMutation()
	}
	return msg, nil
}

func (s *Service) conversationLocked(a, b string) *conversation {
	key := ConversationKey(a, b)
	convo, ok := s.conversations[key]
	if !ok {
		convo = &conversation{unread: make(map[string]int)}
		s.conversations[key] = convo
	}
	return convo
}

// Conversation returns a newest-first page of the history between two
// users, older than beforeID when set.
func (s *Service) Conversation(a, b, beforeID string, limit int) []Message {
	if limit <= 0 {
		limit = DefaultPage
	}
	if limit > MaxPage {
		limit = MaxPage
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	convo, ok := s.conversations[ConversationKey(a, b)]
	if !ok {
		return nil
	}

	end := len(convo.messages)
	if beforeID != "" {
		end = 0
		for i, msg := range convo.messages {
			if msg.ID == beforeID {
				end = i
				break
			}
		}
	}

	page := make([]Message, 0, limit)
	for i := end - 1; i >= 0 && len(page) < limit; i-- {
		page = append(page, convo.messages[i])
	}
	return page
}

// MarkRead stamps every unread message addressed to userID in the
// conversation with other, and clears the unread counter. It is idempotent.
func (s *Service) MarkRead(userID, other string) {
	now := s.clock().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	convo, ok := s.conversations[ConversationKey(userID, other)]
	if !ok {
		return
	}

	changed := false
	for i := range convo.messages {
		if convo.messages[i].To == userID && convo.messages[i].ReadAt == nil {
			at := now
			convo.messages[i].ReadAt = &at
			changed = true
		}
	}
	if convo.unread[userID] != 0 {
		convo.unread[userID] = 0
		changed = true
	}
	if changed && s.onMutation != nil {
		s.onMutation()
	}
}

// Unread returns how many messages from other await userID.
func (s *Service) Unread(userID, other string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	convo, ok := s.conversations[ConversationKey(userID, other)]
	if !ok {
		return 0
	}
	return convo.unread[userID]
}

// UnreadTotal sums unread counters for a user across all conversations.
func (s *Service) UnreadTotal(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, convo := range s.conversations {
		total += convo.unread[userID]
	}
	return total
}

// Block stops target from messaging user.
func (s *Service) Block(userID, target string) {
	s.mu.Lock()
	blocked, ok := s.blocklists[userID]
	if !ok {
		blocked = make(map[string]struct{})
		s.blocklists[userID] = blocked
	}
	blocked[target] = struct{}{}
	if s.onMutation != nil {
		s.onMutation()
	}
	s.mu.Unlock()
}

// Unblock restores delivery from target to user.
func (s *Service) Unblock(userID, target string) {
	s.mu.Lock()
	if blocked, ok := s.blocklists[userID]; ok {
		delete(blocked, target)
		if len(blocked) == 0 {
			delete(s.blocklists, userID)
		}
	}
	if s.onMutation != nil {
		s.onMutation()
	}
	s.mu.Unlock()
}

// ConversationState is one persisted conversation.
type ConversationState struct {
	Messages []Message      `json:"messages"`
	Unread   map[string]int `json:"unread"`
}

// State is the marshal-safe DM snapshot, keyed by conversation key.
type State struct {
	Conversations map[string]ConversationState `json:"conversations"`
	Blocklists    map[string][]string          `json:"blocklists"`
}

// Snapshot copies all conversations and blocklists for persistence.
func (s *Service) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := State{
		Conversations: make(map[string]ConversationState, len(s.conversations)),
		Blocklists:    make(map[string][]string, len(s.blocklists)),
	}
	for key, convo := range s.conversations {
		unread := make(map[string]int, len(convo.unread))
		for userID, count := range convo.unread {
			unread[userID] = count
		}
		state.Conversations[key] = ConversationState{
			Messages: append([]Message(nil), convo.messages...),
			Unread:   unread,
		}
	}
	for userID, blocked := range s.blocklists {
		targets := make([]string, 0, len(blocked))
		for target := range blocked {
			targets = append(targets, target)
		}
		state.Blocklists[userID] = targets
	}
	return state
}

// Restore replaces service state from a snapshot.
func (s *Service) Restore(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conversations = make(map[string]*conversation, len(state.Conversations))
	for key, saved := range state.Conversations {
		messages := append([]Message(nil), saved.Messages...)
		if len(messages) > MaxConversation {
			messages = messages[len(messages)-MaxConversation:]
		}
		unread := make(map[string]int, len(saved.Unread))
		for userID, count := range saved.Unread {
			if count > 0 {
				unread[userID] = count
			}
		}
		s.conversations[key] = &conversation{messages: messages, unread: unread}
	}
	s.blocklists = make(map[string]map[string]struct{}, len(state.Blocklists))
	for userID, targets := range state.Blocklists {
		blocked := make(map[string]struct{}, len(targets))
		for _, target := range targets {
			blocked[target] = struct{}{}
		}
		s.blocklists[userID] = blocked
	}
}
