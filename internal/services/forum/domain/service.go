// Package domain implements the forum: fixed categories, topics with nested
// replies, lock/pin moderation, view counting, and pagination.
package domain

import (
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pennyrealm/pennyrealm/internal/errors"
	"github.com/pennyrealm/pennyrealm/internal/platform/id"
	"github.com/pennyrealm/pennyrealm/internal/services/shared/filter"
	"github.com/pennyrealm/pennyrealm/internal/services/shared/moderation"
)

// Category identifies one of the fixed forum boards.
type Category string

const (
	CategoryGeneral       Category = "general"
	CategoryGuides        Category = "guides"
	CategoryTrading       Category = "trading"
	CategoryGuilds        Category = "guilds"
	CategoryAnnouncements Category = "announcements"
)

// Categories lists every forum category in a stable order.
var Categories = []Category{CategoryGeneral, CategoryGuides, CategoryTrading, CategoryGuilds, CategoryAnnouncements}

const (
	// MaxTitleRunes bounds a topic title.
	MaxTitleRunes = 200
	// MaxBodyRunes bounds a topic body.
	MaxBodyRunes = 10000
	// RepliesPerPage is the reply pagination size.
	RepliesPerPage = 50
	// TopicsPerPage is the topic listing pagination size.
	TopicsPerPage = 20
	// viewWindow is how long a repeat view by the same user is ignored.
	viewWindow = time.Minute
)

var (
	// ErrMuted indicates the author is muted.
	ErrMuted = errors.New(errors.CodeMuted, "author is muted")
	// ErrUnknownCategory indicates the category is not one of the fixed five.
	ErrUnknownCategory = errors.New(errors.CodeValidationFailed, "unknown forum category")
	// ErrTitleTooLong indicates the title exceeds the bound.
	ErrTitleTooLong = errors.New(errors.CodeBodyTooLong, "title is too long")
	// ErrBodyTooLong indicates the body exceeds the bound.
	ErrBodyTooLong = errors.New(errors.CodeBodyTooLong, "body is too long")
	// ErrNotFound indicates no such topic or reply.
	ErrNotFound = errors.New(errors.CodeNotFound, "topic not found")
	// ErrLocked indicates the topic does not accept replies.
	ErrLocked = errors.New(errors.CodeValidationFailed, "topic is locked")
)

// ParseCategory validates a wire category name.
func ParseCategory(name string) (Category, error) {
	category := Category(strings.TrimSpace(name))
	for _, known := range Categories {
		if category == known {
			return category, nil
		}
	}
	return "", ErrUnknownCategory
}

// Reply is one nested response on a topic.
type Reply struct {
	ID        string    `json:"id"`
	TopicID   string    `json:"topic_id"`
	AuthorID  string    `json:"author_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Topic is one forum thread with embedded replies.
type Topic struct {
	ID        string    `json:"id"`
	Category  Category  `json:"category"`
	AuthorID  string    `json:"author_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Locked    bool      `json:"locked"`
	Pinned    bool      `json:"pinned"`
	Views     int       `json:"views"`
	Replies   []Reply   `json:"replies"`
}

type viewKey struct {
	userID  string
	topicID string
}

// Service owns all forum topics.
type Service struct {
	mu        sync.Mutex
	topics    map[string]*Topic
	lastViews map[viewKey]time.Time

	moderation *moderation.Registry
	clock      func() time.Time
	newID      func() (string, error)
	onMutation func()
}

// NewService constructs the forum service.
func NewService(registry *moderation.Registry, clock func() time.Time, newID func() (string, error)) *Service {
	if clock == nil {
		clock = time.Now
	}
	if newID == nil {
		newID = id.NewID
	}
	return &Service{
		topics:     make(map[string]*Topic),
		lastViews:  make(map[viewKey]time.Time),
		moderation: registry,
		clock:      clock,
		newID:      newID,
	}
}

// SetMutationHook registers the snapshot dirty-mark callback.
func (s *Service) SetMutationHook(hook func()) {
	s.mu.Lock()
	s.onMutation = hook
	s.mu.Unlock()
}

// CreateTopic opens a new thread in a category.
func (s *Service) CreateTopic(authorID, categoryName, title, body string) (Topic, error) {
	category, err := ParseCategory(categoryName)
	if err != nil {
		return Topic{}, err
	}
	if s.moderation != nil && s.moderation.IsMuted(authorID) {
		return Topic{}, ErrMuted
	}

	titleResult, err := filter.Apply(title)
	if err != nil {
		return Topic{}, err
	}
	if utf8.RuneCountInString(titleResult.Text) > MaxTitleRunes {
		return Topic{}, ErrTitleTooLong
	}
	bodyResult, err := filter.Apply(body)
	if err != nil {
		return Topic{}, err
	}
	if utf8.RuneCountInString(bodyResult.Text) > MaxBodyRunes {
		return Topic{}, ErrBodyTooLong
	}

	topicID, err := s.newID()
	if err != nil {
		return Topic{}, errors.Wrap(errors.CodeInternal, "generate topic id", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC()
	topic := &Topic{
		ID:        topicID,
		Category:  category,
		AuthorID:  authorID,
		Title:     titleResult.Text,
		Body:      bodyResult.Text,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.topics[topicID] = topic
	if s.onMutation != nil {
		s.onMutation()
	}
	return *topic, nil
}

// Reply appends a response to an unlocked topic.
func (s *Service) Reply(topicID, authorID, body string) (Reply, error) {
	if s.moderation != nil && s.moderation.IsMuted(authorID) {
		return Reply{}, ErrMuted
	}
	bodyResult, err := filter.Apply(body)
	if err != nil {
		return Reply{}, err
	}
	if utf8.RuneCountInString(bodyResult.Text) > MaxBodyRunes {
		return Reply{}, ErrBodyTooLong
	}

	replyID, err := s.newID()
	if err != nil {
		return Reply{}, errors.Wrap(errors.CodeInternal, "generate reply id", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	topic, ok := s.topics[topicID]
	if !ok {
		return Reply{}, ErrNotFound
	}
	if topic.Locked {
		return Reply{}, ErrLocked
	}

	now := s.clock().UTC()
	reply := Reply{
		ID:        replyID,
		TopicID:   topicID,
		AuthorID:  authorID,
		Body:      bodyResult.Text,
		CreatedAt: now,
	}
	topic.Replies = append(topic.Replies, reply)
	topic.UpdatedAt = now
	if s.onMutation != nil {
		s.onMutation()
	}
	return reply, nil
}

// GetTopic fetches one topic and counts the view. Repeat views by the same
// user within the view window do not double-count.
func (s *Service) GetTopic(topicID, viewerID string) (Topic, error) {
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	topic, ok := s.topics[topicID]
	if !ok {
		return Topic{}, ErrNotFound
	}

	key := viewKey{userID: viewerID, topicID: topicID}
	if last, seen := s.lastViews[key]; !seen || now.Sub(last) >= viewWindow {
		topic.Views++
		s.lastViews[key] = now
		if s.onMutation != nil {
			s.onMutation()
		}
	}
	s.pruneViewsLocked(now)

	return s.copyTopicLocked(topic), nil
}

// pruneViewsLocked drops stale view-dedupe entries so the map tracks only
// the active window.
func (s *Service) pruneViewsLocked(now time.Time) {
	for key, at := range s.lastViews {
		if now.Sub(at) >= viewWindow {
			delete(s.lastViews, key)
		}
	}
}

func (s *Service) copyTopicLocked(topic *Topic) Topic {
	copied := *topic
	copied.Replies = append([]Reply(nil), topic.Replies...)
	return copied
}

// Replies returns one page of a topic's replies, oldest first. Pages are
// 1-based.
func (s *Service) Replies(topicID string, page int) ([]Reply, error) {
	if page < 1 {
		page = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	topic, ok := s.topics[topicID]
	if !ok {
		return nil, ErrNotFound
	}

	start := (page - 1) * RepliesPerPage
	if start >= len(topic.Replies) {
		return nil, nil
	}
	end := start + RepliesPerPage
	if end > len(topic.Replies) {
		end = len(topic.Replies)
	}
	return append([]Reply(nil), topic.Replies[start:end]...), nil
}

// ListTopics returns one page of topics, pinned first and then newest by
// last update. An empty category lists every board. Pages are 1-based.
func (s *Service) ListTopics(categoryName string, page int) ([]Topic, error) {
	var category Category
	if strings.TrimSpace(categoryName) != "" {
		parsed, err := ParseCategory(categoryName)
		if err != nil {
			return nil, err
		}
		category = parsed
	}
	if page < 1 {
		page = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	matching := make([]*Topic, 0, len(s.topics))
	for _, topic := range s.topics {
		if category != "" && topic.Category != category {
			continue
		}
		matching = append(matching, topic)
	}
	sort.Slice(matching, func(i, j int) bool {
		if matching[i].Pinned != matching[j].Pinned {
			return matching[i].Pinned
		}
		if !matching[i].UpdatedAt.Equal(matching[j].UpdatedAt) {
			return matching[i].UpdatedAt.After(matching[j].UpdatedAt)
		}
		return matching[i].ID < matching[j].ID
	})

	start := (page - 1) * TopicsPerPage
	if start >= len(matching) {
		return nil, nil
	}
	end := start + TopicsPerPage
	if end > len(matching) {
		end = len(matching)
	}

	topics := make([]Topic, 0, end-start)
	for _, topic := range matching[start:end] {
		topics = append(topics, s.copyTopicLocked(topic))
	}
	return topics, nil
}

// SetLocked locks or unlocks a topic. Moderator only; the gateway enforces
// the capability.
func (s *Service) SetLocked(topicID string, locked bool) error {
	return s.mutateTopic(topicID, func(topic *Topic) {
		topic.Locked = locked
	})
}

// SetPinned pins or unpins a topic.
func (s *Service) SetPinned(topicID string, pinned bool) error {
	return s.mutateTopic(topicID, func(topic *Topic) {
		topic.Pinned = pinned
	})
}

func (s *Service) mutateTopic(topicID string, mutate func(*Topic)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	topic, ok := s.topics[topicID]
	if !ok {
		return ErrNotFound
	}
	mutate(topic)
	if s.onMutation != nil {
		s.onMutation()
	}
	return nil
}

// DeleteTopic removes a topic and its replies.
func (s *Service) DeleteTopic(topicID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.topics[topicID]; !ok {
		return ErrNotFound
	}
	delete(s.topics, topicID)
	if s.onMutation != nil {
		s.onMutation()
	}
	return nil
}

// DeleteReply removes one reply from a topic.
func (s *Service) DeleteReply(topicID, replyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	topic, ok := s.topics[topicID]
	if !ok {
		return ErrNotFound
	}
	for i := range topic.Replies {
		if topic.Replies[i].ID == replyID {
			topic.Replies = append(topic.Replies[:i], topic.Replies[i+1:]...)
			if s.onMutation != nil {
				s.onMutation()
			}
			return nil
		}
	}
	return ErrNotFound
}

// State is the marshal-safe forum snapshot.
type State struct {
	Topics []Topic `json:"topics"`
}

// Snapshot copies every topic for persistence.
func (s *Service) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := State{Topics: make([]Topic, 0, len(s.topics))}
	for _, topic := range s.topics {
		state.Topics = append(state.Topics, s.copyTopicLocked(topic))
	}
	sort.Slice(state.Topics, func(i, j int) bool {
		return state.Topics[i].CreatedAt.Before(state.Topics[j].CreatedAt)
	})
	return state
}

// Restore replaces all topics from a snapshot.
func (s *Service) Restore(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.topics = make(map[string]*Topic, len(state.Topics))
	for _, saved := range state.Topics {
		topic := saved
		topic.Replies = append([]Reply(nil), saved.Replies...)
		s.topics[topic.ID] = &topic
	}
}
