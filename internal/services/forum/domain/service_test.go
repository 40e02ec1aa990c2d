package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/pennyrealm/pennyrealm/internal/services/shared/moderation"
)

func sequentialIDGenerator() func() (string, error) {
	next := 0
	return func() (string, error) {
		next++
		return fmt.Sprintf("forum-%d", next), nil
	}
}

type adjustableClock struct {
	now time.Time
}

func (c *adjustableClock) Now() time.Time { return c.now }

func (c *adjustableClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestService(clock *adjustableClock) (*Service, *moderation.Registry) {
	registry := moderation.NewRegistry(clock.Now)
	return NewService(registry, clock.Now, sequentialIDGenerator()), registry
}

func newClock() *adjustableClock {
	return &adjustableClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestCreateTopicAndReply(t *testing.T) {
	t.Parallel()

	clock := newClock()
	svc, _ := newTestService(clock)

	topic, err := svc.CreateTopic("user-1", "guides", "Earning your first shilling", "Start with herb runs near the mill.")
	if err != nil {
		t.Fatalf("create topic: %v", err)
	}
	if topic.ID != "forum-1" || topic.Category != CategoryGuides {
		t.Fatalf("unexpected topic %+v", topic)
	}

	reply, err := svc.Reply(topic.ID, "user-2", "The mill route pays twelve pennies an hour.")
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if reply.ID != "forum-2" || reply.TopicID != topic.ID {
		t.Fatalf("unexpected reply %+v", reply)
	}

	fetched, err := svc.GetTopic(topic.ID, "user-3")
	if err != nil {
		t.Fatalf("get topic: %v", err)
	}
	if len(fetched.Replies) != 1 || fetched.Replies[0].ID != reply.ID {
		t.Fatalf("expected one reply, got %+v", fetched.Replies)
	}
}

func TestCreateTopicRejectsUnknownCategory(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(newClock())

	if _, err := svc.CreateTopic("user-1", "offtopic", "Title", "Body"); !errors.Is(err, ErrUnknownCategory) {
		t.Fatalf("expected ErrUnknownCategory, got %v", err)
	}
}

func TestCreateTopicRejectsMutedAuthor(t *testing.T) {
	t.Parallel()

	svc, registry := newTestService(newClock())
	registry.Mute("user-1")

	if _, err := svc.CreateTopic("user-1", "general", "Title", "Body"); !errors.Is(err, ErrMuted) {
		t.Fatalf("expected ErrMuted, got %v", err)
	}
}

func TestTitleAndBodyBounds(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(newClock())

	longTitle := strings.Repeat("ab", MaxTitleRunes/2) + "c"
	if _, err := svc.CreateTopic("user-1", "general", longTitle, "Body"); !errors.Is(err, ErrTitleTooLong) {
		t.Fatalf("expected ErrTitleTooLong, got %v", err)
	}

	longBody := strings.Repeat("word ", MaxBodyRunes/4)
	if _, err := svc.CreateTopic("user-1", "general", "Title", longBody); !errors.Is(err, ErrBodyTooLong) {
		t.Fatalf("expected ErrBodyTooLong, got %v", err)
	}

	exactTitle := strings.Repeat("ab", MaxTitleRunes/2)
	if _, err := svc.CreateTopic("user-1", "general", exactTitle, "Body"); err != nil {
		t.Fatalf("title at the bound should pass, got %v", err)
	}
}

func TestReplyRejectedOnLockedTopic(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(newClock())

	topic, err := svc.CreateTopic("user-1", "general", "Title", "Body")
	if err != nil {
		t.Fatalf("create topic: %v", err)
	}
	if err := svc.SetLocked(topic.ID, true); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := svc.Reply(topic.ID, "user-2", "Too late."); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}

	if err := svc.SetLocked(topic.ID, false); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if _, err := svc.Reply(topic.ID, "user-2", "Back open."); err != nil {
		t.Fatalf("reply after unlock: %v", err)
	}
}

func TestViewCountDedupesWithinWindow(t *testing.T) {
	t.Parallel()

	clock := newClock()
	svc, _ := newTestService(clock)

	topic, err := svc.CreateTopic("user-1", "general", "Title", "Body")
	if err != nil {
		t.Fatalf("create topic: %v", err)
	}

	first, _ := svc.GetTopic(topic.ID, "user-2")
	if first.Views != 1 {
		t.Fatalf("first view should count, got %d", first.Views)
	}

	clock.Advance(30 * time.Second)
	repeat, _ := svc.GetTopic(topic.ID, "user-2")
	if repeat.Views != 1 {
		t.Fatalf("repeat view within the window should not count, got %d", repeat.Views)
	}

	other, _ := svc.GetTopic(topic.ID, "user-3")
	if other.Views != 2 {
		t.Fatalf("a different viewer should count, got %d", other.Views)
	}

	clock.Advance(31 * time.Second)
	later, _ := svc.GetTopic(topic.ID, "user-2")
	if later.Views != 3 {
		t.Fatalf("view after the window should count again, got %d", later.Views)
	}
}

func TestListTopicsPinnedFirstThenNewest(t *testing.T) {
	t.Parallel()

	clock := newClock()
	svc, _ := newTestService(clock)

	first, _ := svc.CreateTopic("user-1", "general", "Oldest", "Body")
	clock.Advance(time.Minute)
	second, _ := svc.CreateTopic("user-1", "general", "Middle", "Body")
	clock.Advance(time.Minute)
	third, _ := svc.CreateTopic("user-1", "general", "Newest", "Body")

	if err := svc.SetPinned(first.ID, true); err != nil {
		t.Fatalf("pin: %v", err)
	}

	topics, err := svc.ListTopics("general", 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(topics) != 3 {
		t.Fatalf("expected three topics, got %d", len(topics))
	}
	if topics[0].ID != first.ID {
		t.Fatalf("pinned topic should lead, got %s", topics[0].ID)
	}
	if topics[1].ID != third.ID || topics[2].ID != second.ID {
		t.Fatalf("unpinned topics should order newest first, got %s then %s", topics[1].ID, topics[2].ID)
	}
}

func TestListTopicsFiltersByCategory(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(newClock())

	svc.CreateTopic("user-1", "general", "General talk", "Body")
	traded, _ := svc.CreateTopic("user-1", "trading", "Selling wool", "Body")

	topics, err := svc.ListTopics("trading", 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(topics) != 1 || topics[0].ID != traded.ID {
		t.Fatalf("expected only the trading topic, got %+v", topics)
	}

	all, err := svc.ListTopics("", 1)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected both topics without a category filter, got %d", len(all))
	}
}

func TestTopicPagination(t *testing.T) {
	t.Parallel()

	clock := newClock()
	svc, _ := newTestService(clock)

	for i := 0; i < TopicsPerPage+5; i++ {
		if _, err := svc.CreateTopic("user-1", "general", fmt.Sprintf("Topic %d", i), "Body"); err != nil {
			t.Fatalf("create topic %d: %v", i, err)
		}
		clock.Advance(time.Second)
	}

	pageOne, err := svc.ListTopics("general", 1)
	if err != nil {
		t.Fatalf("page one: %v", err)
	}
	if len(pageOne) != TopicsPerPage {
		t.Fatalf("expected a full first page, got %d", len(pageOne))
	}

	pageTwo, err := svc.ListTopics("general", 2)
	if err != nil {
		t.Fatalf("page two: %v", err)
	}
	if len(pageTwo) != 5 {
		t.Fatalf("expected five topics on the second page, got %d", len(pageTwo))
	}

	pageThree, err := svc.ListTopics("general", 3)
	if err != nil {
		t.Fatalf("page three: %v", err)
	}
	if len(pageThree) != 0 {
		t.Fatalf("expected an empty third page, got %d", len(pageThree))
	}
}

func TestRepliesPagination(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(newClock())

	topic, _ := svc.CreateTopic("user-1", "general", "Title", "Body")
	for i := 0; i < RepliesPerPage+3; i++ {
		if _, err := svc.Reply(topic.ID, "user-2", fmt.Sprintf("Reply %d", i)); err != nil {
			t.Fatalf("reply %d: %v", i, err)
		}
	}

	pageOne, err := svc.Replies(topic.ID, 1)
	if err != nil {
		t.Fatalf("page one: %v", err)
	}
	if len(pageOne) != RepliesPerPage {
		t.Fatalf("expected a full first page, got %d", len(pageOne))
	}
	if pageOne[0].Body != "Reply 0" {
		t.Fatalf("replies should page oldest first, got %q", pageOne[0].Body)
	}

	pageTwo, err := svc.Replies(topic.ID, 2)
	if err != nil {
		t.Fatalf("page two: %v", err)
	}
	if len(pageTwo) != 3 {
		t.Fatalf("expected three replies on the second page, got %d", len(pageTwo))
	}
}

func TestDeleteTopicAndReply(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(newClock())

	topic, _ := svc.CreateTopic("user-1", "general", "Title", "Body")
	reply, _ := svc.Reply(topic.ID, "user-2", "A reply.")

	if err := svc.DeleteReply(topic.ID, reply.ID); err != nil {
		t.Fatalf("delete reply: %v", err)
	}
	if err := svc.DeleteReply(topic.ID, reply.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete should report not found, got %v", err)
	}

	if err := svc.DeleteTopic(topic.ID); err != nil {
		t.Fatalf("delete topic: %v", err)
	}
	if _, err := svc.GetTopic(topic.ID, "user-3"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted topic should be gone, got %v", err)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(newClock())

	topic, _ := svc.CreateTopic("user-1", "guilds", "Recruiting", "The Tin Whistles want you.")
	svc.Reply(topic.ID, "user-2", "Signing up.")
	svc.SetPinned(topic.ID, true)

	state := svc.Snapshot()

	restored, _ := newTestService(newClock())
	restored.Restore(state)

	got, err := restored.GetTopic(topic.ID, "user-3")
	if err != nil {
		t.Fatalf("get restored topic: %v", err)
	}
	if !got.Pinned || len(got.Replies) != 1 {
		t.Fatalf("restored topic lost state: %+v", got)
	}
}
