// Package domain implements asynchronous mail: per-user inbox and sent
// folders, long-form bodies, and 30-day retention outside the archive.
package domain

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pennyrealm/pennyrealm/internal/errors"
	"github.com/pennyrealm/pennyrealm/internal/platform/id"
	"github.com/pennyrealm/pennyrealm/internal/platform/timeouts"
	"github.com/pennyrealm/pennyrealm/internal/services/shared/moderation"
)

// Folder identifies where a piece of mail lives for its owner.
type Folder string

const (
	FolderInbox    Folder = "inbox"
	FolderSent     Folder = "sent"
	FolderArchived Folder = "archived"
)

const (
	// MaxSubjectRunes bounds the mail subject.
	MaxSubjectRunes = 100
	// MaxBodyRunes bounds the mail body.
	MaxBodyRunes = 5000
	// MaxInbox bounds inbox entries per user; archived mail is exempt.
	MaxInbox = 200
	// MaxSent bounds sent entries per user.
	MaxSent = 100
)

var (
	// ErrMuted indicates the sender is muted.
	ErrMuted = errors.New(errors.CodeMuted, "sender is muted")
	// ErrSubjectTooLong indicates the subject exceeds the bound.
	ErrSubjectTooLong = errors.New(errors.CodeBodyTooLong, "subject is too long")
	// ErrBodyTooLong indicates the body exceeds the bound.
	ErrBodyTooLong = errors.New(errors.CodeBodyTooLong, "body is too long")
	// ErrEmptyRecipient indicates no recipient was supplied.
	ErrEmptyRecipient = errors.New(errors.CodeValidationFailed, "recipient is required")
	// ErrEmptyBody indicates subject and body are both blank.
	ErrEmptyBody = errors.New(errors.CodeEmptyAfterFilter, "mail has no content")
	// ErrNotFound indicates no such mail for this owner.
	ErrNotFound = errors.New(errors.CodeNotFound, "mail not found")
)

// Mail is one stored message. Each owner holds an independent copy, so the
// sender archiving their copy never touches the recipient's.
type Mail struct {
	ID        string     `json:"id"`
	From      string     `json:"from"`
	To        string     `json:"to"`
	Subject   string     `json:"subject"`
	Body      string     `json:"body"`
	CreatedAt time.Time  `json:"created_at"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
	Folder    Folder     `json:"folder"`
	System    bool       `json:"system,omitempty"`
}

// Event is the fan-out notification for newly delivered mail.
type Event struct {
	Mail Mail
}

// Mailbox is a per-user folder view.
type Mailbox struct {
	Inbox    []Mail `json:"inbox"`
	Sent     []Mail `json:"sent"`
	Archived []Mail `json:"archived"`
}

// Service owns every user's mailbox.
type Service struct {
	mu        sync.Mutex
	mailboxes map[string][]Mail
	lastSweep time.Time

	moderation *moderation.Registry
	clock      func() time.Time
	newID      func() (string, error)
	publish    func(Event)
	onMutation func()
}

// NewService constructs the mail service.
func NewService(registry *moderation.Registry, clock func() time.Time, newID func() (string, error)) *Service {
	if clock == nil {
		clock = time.Now
	}
	if newID == nil {
		newID = id.NewID
	}
	return &Service{
		mailboxes:  make(map[string][]Mail),
		moderation: registry,
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

// Send delivers mail from one player to another. The recipient receives an
// inbox copy and the sender keeps a sent copy.
func (s *Service) Send(from, to, subject, body string) (Mail, error) {
	return s.send(from, to, subject, body, false)
}

// SendSystem delivers server-generated mail. No sent copy is kept.
func (s *Service) SendSystem(to, subject, body string) (Mail, error) {
	return s.send("system", to, subject, body, true)
}

func (s *Service) send(from, to, subject, body string, system bool) (Mail, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return Mail{}, ErrEmptyRecipient
	}
	if !system && s.moderation != nil && s.moderation.IsMuted(from) {
		return Mail{}, ErrMuted
	}
	subject = strings.TrimSpace(subject)
	body = strings.TrimSpace(body)
	if subject == "" && body == "" {
		return Mail{}, ErrEmptyBody
	}
	if utf8.RuneCountInString(subject) > MaxSubjectRunes {
		return Mail{}, ErrSubjectTooLong
	}
	if utf8.RuneCountInString(body) > MaxBodyRunes {
		return Mail{}, ErrBodyTooLong
	}

	mailID, err := s.newID()
	if err != nil {
		return Mail{}, errors.Wrap(errors.CodeInternal, "generate mail id", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delivered := Mail{
		ID:        mailID,
		From:      from,
		To:        to,
		Subject:   subject,
		Body:      body,
		CreatedAt: s.clock().UTC(),
		Folder:    FolderInbox,
		System:    system,
	}
	s.appendLocked(to, delivered, FolderInbox, MaxInbox)

	if !system {
		sent := delivered
		sent.Folder = FolderSent
		s.appendLocked(from, sent, FolderSent, MaxSent)
	}

	if s.publish != nil {
		s.publish(Event{Mail: delivered})
	}
	if s.onMutation != nil {
		s.onMutation()
	}
	return delivered, nil
}

// appendLocked adds mail to an owner's box and evicts the oldest
// non-archived entry of the folder when over its cap.
func (s *Service) appendLocked(owner string, mail Mail, folder Folder, limit int) {
	box := append(s.mailboxes[owner], mail)

	count := 0
	for _, m := range box {
		if m.Folder == folder {
			count++
		}
	}
	if count > limit {
		for i, m := range box {
			if m.Folder == folder {
				box = append(box[:i], box[i+1:]...)
				break
			}
		}
	}
	s.mailboxes[owner] = box
}

// MailboxOf returns the owner's folder views, newest first.
func (s *Service) MailboxOf(owner string) Mailbox {
	s.mu.Lock()
	defer s.mu.Unlock()

	var view Mailbox
	box := s.mailboxes[owner]
	for i := len(box) - 1; i >= 0; i-- {
		switch box[i].Folder {
		case FolderInbox:
			view.Inbox = append(view.Inbox, box[i])
		case FolderSent:
			view.Sent = append(view.Sent, box[i])
		case FolderArchived:
			view.Archived = append(view.Archived, box[i])
		}
	}
	return view
}

// MarkRead stamps one mail as read for its owner. Idempotent.
func (s *Service) MarkRead(owner, mailID string) error {
	now := s.clock().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	box := s.mailboxes[owner]
	for i := range box {
		if box[i].ID != mailID {
			continue
		}
		if box[i].ReadAt == nil {
			at := now
			box[i].ReadAt = &at
			if s.onMutation != nil {
				s.onMutation()
			}
		}
		return nil
	}
	return ErrNotFound
}

// Archive moves one mail into the owner's archive, exempting it from both
// the inbox cap and retention.
func (s *Service) Archive(owner, mailID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	box := s.mailboxes[owner]
	for i := range box {
		if box[i].ID != mailID {
			continue
		}
		if box[i].Folder != FolderArchived {
			box[i].Folder = FolderArchived
			if s.onMutation != nil {
				s.onMutation()
			}
		}
		return nil
	}
	return ErrNotFound
}

// Delete removes one mail from the owner's box.
func (s *Service) Delete(owner, mailID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	box := s.mailboxes[owner]
	for i := range box {
		if box[i].ID != mailID {
			continue
		}
		s.mailboxes[owner] = append(box[:i], box[i+1:]...)
		if s.onMutation != nil {
			s.onMutation()
		}
		return nil
	}
	return ErrNotFound
}

// Reap removes unarchived mail older than the retention window. It runs at
// most once per MailSweep interval; earlier calls are no-ops.
func (s *Service) Reap() int {
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.lastSweep.IsZero() && now.Sub(s.lastSweep) < timeouts.MailSweep {
		return 0
	}
	s.lastSweep = now

	cutoff := now.Add(-timeouts.MailRetention)
	removed := 0
	for owner, box := range s.mailboxes {
		kept := box[:0]
		for _, mail := range box {
			if mail.Folder != FolderArchived && mail.CreatedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, mail)
		}
		if len(kept) == 0 {
			delete(s.mailboxes, owner)
			continue
		}
		s.mailboxes[owner] = kept
	}
	if removed > 0 {
		log.Printf("mail reaper removed %d expired messages", removed)
		if s.onMutation != nil {
			s.onMutation()
		}
	}
	return removed
}

// RunReaper sweeps retention until the context ends.
func (s *Service) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(timeouts.MailSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Reap()
		}
	}
}

// State is the marshal-safe mail snapshot, keyed by owner.
type State map[string][]Mail

// Snapshot copies every mailbox for persistence.
func (s *Service) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := make(State, len(s.mailboxes))
	for owner, box := range s.mailboxes {
		state[owner] = append([]Mail(nil), box...)
	}
	return state
}

// Restore replaces all mailboxes from a snapshot.
func (s *Service) Restore(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mailboxes = make(map[string][]Mail, len(state))
	for owner, box := range state {
		s.mailboxes[owner] = append([]Mail(nil), box...)
	}
}
