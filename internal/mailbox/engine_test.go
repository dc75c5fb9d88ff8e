package mailbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"mailhub/internal/db"
	"mailhub/internal/models"
	"mailhub/internal/store"
)

func setupTestStore(t *testing.T) *db.SQLiteStore {
	t.Helper()
	s, err := db.Open(filepath.Join(t.TempDir(), "mailbox_test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func setupUsers(t *testing.T, s *db.SQLiteStore, ids ...string) {
	t.Helper()
	for _, id := range ids {
		err := s.Insert(context.Background(), store.TableProfiles, store.Row{
			"id":     id,
			"name":   id,
			"email":  id + "@lan",
			"status": string(models.UserApproved),
		})
		if err != nil {
			t.Fatalf("failed to create profile %s: %v", id, err)
		}
	}
}

func startEngine(t *testing.T, s store.Store, identity string) *Engine {
	t.Helper()
	e := New(s, identity)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("failed to start engine: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func TestStartRequiresIdentity(t *testing.T) {
	s := setupTestStore(t)
	e := New(s, "")
	if err := e.Start(context.Background()); !errors.Is(err, store.ErrAuthRequired) {
		t.Fatalf("expected ErrAuthRequired, got %v", err)
	}
}

func TestMutationsRequireIdentity(t *testing.T) {
	s := setupTestStore(t)
	e := New(s, "")
	ctx := context.Background()

	ops := map[string]error{
		"send":      e.Send(ctx, "bob", "s", "c"),
		"saveDraft": e.SaveDraft(ctx, "", "s", "c"),
		"markSeen":  e.MarkSeen(ctx, "m1"),
		"trash":     e.MoveToTrash(ctx, "m1"),
		"delete":    e.PermanentlyDelete(ctx, "m1"),
	}
	for name, err := range ops {
		if !errors.Is(err, store.ErrAuthRequired) {
			t.Errorf("%s: expected ErrAuthRequired, got %v", name, err)
		}
	}
}

func TestMutationsRequireOwnership(t *testing.T) {
	s := setupTestStore(t)
	setupUsers(t, s, "alice", "bob", "carol")
	ctx := context.Background()

	alice := startEngine(t, s, "alice")
	carol := startEngine(t, s, "carol")

	if err := alice.Send(ctx, "bob", "private", "for bob"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	id := alice.Snapshot().Sent[0].ID

	ops := map[string]error{
		"markSeen":          carol.MarkSeen(ctx, id),
		"toggleStarred":     carol.ToggleStarred(ctx, id, false),
		"moveToTrash":       carol.MoveToTrash(ctx, id),
		"restore":           carol.RestoreFromTrash(ctx, id),
		"permanentlyDelete": carol.PermanentlyDelete(ctx, id),
	}
	for name, err := range ops {
		if !errors.Is(err, store.ErrNotFound) {
			t.Errorf("%s on another user's message: expected ErrNotFound, got %v", name, err)
		}
	}

	alice.Refetch(ctx)
	snap := alice.Snapshot()
	if len(snap.Sent) != 1 {
		t.Fatalf("expected the message to survive, got %d sent entries", len(snap.Sent))
	}
	got := snap.Sent[0]
	if got.IsDeleted || got.IsStarred || got.Status != models.MessageSent {
		t.Errorf("expected the message untouched, got %+v", got.Message)
	}
}

func TestDraftMutationsRequireAuthor(t *testing.T) {
	s := setupTestStore(t)
	setupUsers(t, s, "alice", "bob")
	ctx := context.Background()

	alice := startEngine(t, s, "alice")
	bob := startEngine(t, s, "bob")

	if err := alice.SaveDraft(ctx, "bob", "wip", "draft body"); err != nil {
		t.Fatalf("saveDraft failed: %v", err)
	}
	draftID := alice.Snapshot().Drafts[0].ID

	if err := bob.UpdateDraft(ctx, draftID, "bob", "hijacked", ""); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("updateDraft by non-author: expected ErrNotFound, got %v", err)
	}
	if err := bob.SendDraft(ctx, draftID, "bob", "hijacked", ""); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("sendDraft by non-author: expected ErrNotFound, got %v", err)
	}

	// a sent message is not a draft, even for its author
	if err := alice.Send(ctx, "bob", "done", ""); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	var sentID string
	for _, e := range alice.Snapshot().Sent {
		if e.Subject == "done" {
			sentID = e.ID
		}
	}
	if err := alice.UpdateDraft(ctx, sentID, "bob", "rewritten", ""); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("updateDraft on a sent message: expected ErrNotFound, got %v", err)
	}

	draft := alice.Snapshot().Drafts[0]
	if draft.Subject != "wip" || draft.Content != "draft body" {
		t.Errorf("expected the draft untouched, got %+v", draft.Message)
	}
}

func TestSendAppearsInBothMailboxes(t *testing.T) {
	s := setupTestStore(t)
	setupUsers(t, s, "alice", "bob")
	ctx := context.Background()

	alice := startEngine(t, s, "alice")
	bob := startEngine(t, s, "bob")

	if err := alice.Send(ctx, "bob", "Hi", "Hello"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	bob.Refetch(ctx)

	aliceSnap := alice.Snapshot()
	if len(aliceSnap.Sent) != 1 {
		t.Fatalf("expected 1 sent message for alice, got %d", len(aliceSnap.Sent))
	}
	if aliceSnap.Sent[0].Folder != models.FolderSent {
		t.Errorf("expected sent folder tag, got %q", aliceSnap.Sent[0].Folder)
	}

	bobSnap := bob.Snapshot()
	if len(bobSnap.Inbox) != 1 {
		t.Fatalf("expected 1 inbox message for bob, got %d", len(bobSnap.Inbox))
	}
	got := bobSnap.Inbox[0]
	if got.Subject != "Hi" || got.Content != "Hello" {
		t.Errorf("unexpected message fields: %+v", got.Message)
	}
	if got.Status != models.MessageSent {
		t.Errorf("expected status 'sent', got %q", got.Status)
	}
	if got.IsDraft {
		t.Error("expected is_draft=false on sent message")
	}
	if got.ID != aliceSnap.Sent[0].ID {
		t.Error("expected the same message id in both views")
	}
	if got.Sender == nil || got.Sender.Name != "alice" {
		t.Errorf("expected sender profile resolved, got %+v", got.Sender)
	}
	if bobSnap.UnreadCount != 1 {
		t.Errorf("expected unread count 1, got %d", bobSnap.UnreadCount)
	}
}

func TestDraftRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	setupUsers(t, s, "alice", "bob")
	ctx := context.Background()

	alice := startEngine(t, s, "alice")

	// Draft with no receiver chosen defaults to the author
	if err := alice.SaveDraft(ctx, "", "wip", "first"); err != nil {
		t.Fatalf("saveDraft failed: %v", err)
	}
	snap := alice.Snapshot()
	if len(snap.Drafts) != 1 {
		t.Fatalf("expected 1 draft, got %d", len(snap.Drafts))
	}
	draft := snap.Drafts[0]
	if draft.ReceiverID != "alice" {
		t.Errorf("expected draft receiver to default to self, got %q", draft.ReceiverID)
	}
	if draft.Folder != models.FolderDrafts {
		t.Errorf("expected drafts folder tag, got %q", draft.Folder)
	}

	if err := alice.UpdateDraft(ctx, draft.ID, "bob", "wip2", "second"); err != nil {
		t.Fatalf("updateDraft failed: %v", err)
	}
	updated := alice.Snapshot().Drafts[0]
	if updated.ReceiverID != "bob" || updated.Subject != "wip2" || updated.Content != "second" {
		t.Errorf("unexpected draft after update: %+v", updated.Message)
	}

	if err := alice.SendDraft(ctx, draft.ID, "bob", "final", "third"); err != nil {
		t.Fatalf("sendDraft failed: %v", err)
	}

	snap = alice.Snapshot()
	if len(snap.Drafts) != 0 {
		t.Fatalf("expected drafts to be empty after sendDraft, got %d", len(snap.Drafts))
	}
	if len(snap.Sent) != 1 {
		t.Fatalf("expected 1 sent message, got %d", len(snap.Sent))
	}
	sent := snap.Sent[0]
	if sent.ID != draft.ID {
		t.Error("sendDraft must preserve the message id")
	}
	if !sent.CreatedAt.Equal(draft.CreatedAt) {
		t.Errorf("sendDraft must preserve created_at: %v != %v", sent.CreatedAt, draft.CreatedAt)
	}
	if sent.IsDraft {
		t.Error("expected is_draft=false after sendDraft")
	}
	if sent.Subject != "final" || sent.Content != "third" {
		t.Errorf("expected latest fields, got %+v", sent.Message)
	}
}

func TestMarkSeenIdempotent(t *testing.T) {
	s := setupTestStore(t)
	setupUsers(t, s, "alice", "bob")
	ctx := context.Background()

	alice := startEngine(t, s, "alice")
	bob := startEngine(t, s, "bob")

	if err := alice.Send(ctx, "bob", "Hi", "Hello"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	bob.Refetch(ctx)
	id := bob.Snapshot().Inbox[0].ID

	if err := bob.MarkSeen(ctx, id); err != nil {
		t.Fatalf("first markSeen failed: %v", err)
	}
	first := bob.Snapshot()

	if err := bob.MarkSeen(ctx, id); err != nil {
		t.Fatalf("second markSeen failed: %v", err)
	}
	second := bob.Snapshot()

	if first.Inbox[0].Status != models.MessageSeen || second.Inbox[0].Status != models.MessageSeen {
		t.Error("expected status seen after both calls")
	}
	if first.UnreadCount != 0 || second.UnreadCount != 0 {
		t.Errorf("expected unread count 0, got %d then %d", first.UnreadCount, second.UnreadCount)
	}
}

func TestToggleStarred(t *testing.T) {
	s := setupTestStore(t)
	setupUsers(t, s, "alice")
	ctx := context.Background()

	alice := startEngine(t, s, "alice")
	if err := alice.Send(ctx, "alice", "note", "to self"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	id := alice.Snapshot().Sent[0].ID

	if err := alice.ToggleStarred(ctx, id, false); err != nil {
		t.Fatalf("toggle failed: %v", err)
	}
	snap := alice.Snapshot()
	if len(snap.Starred) != 1 || !snap.Starred[0].IsStarred {
		t.Fatalf("expected message starred, got %d entries", len(snap.Starred))
	}

	if err := alice.ToggleStarred(ctx, id, true); err != nil {
		t.Fatalf("untoggle failed: %v", err)
	}
	if n := len(alice.Snapshot().Starred); n != 0 {
		t.Fatalf("expected starred view empty after untoggle, got %d", n)
	}
}

func TestTrashRestoreAndPermanentDelete(t *testing.T) {
	s := setupTestStore(t)
	setupUsers(t, s, "alice", "bob")
	ctx := context.Background()

	alice := startEngine(t, s, "alice")
	bob := startEngine(t, s, "bob")

	if err := alice.Send(ctx, "bob", "Hi", "Hello"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	bob.Refetch(ctx)
	id := bob.Snapshot().Inbox[0].ID

	if err := bob.MoveToTrash(ctx, id); err != nil {
		t.Fatalf("moveToTrash failed: %v", err)
	}
	snap := bob.Snapshot()
	if len(snap.Inbox) != 0 {
		t.Fatal("expected inbox empty after trash")
	}
	if len(snap.Trash) != 1 {
		t.Fatalf("expected 1 trashed message, got %d", len(snap.Trash))
	}
	trashed := snap.Trash[0]
	if !trashed.IsDeleted || trashed.DeletedAt == nil {
		t.Errorf("expected is_deleted with deleted_at set, got %+v", trashed.Message)
	}
	if trashed.Folder != models.FolderTrash {
		t.Errorf("expected trash folder tag, got %q", trashed.Folder)
	}

	if err := bob.RestoreFromTrash(ctx, id); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	snap = bob.Snapshot()
	if len(snap.Trash) != 0 {
		t.Fatal("expected trash empty after restore")
	}
	if len(snap.Inbox) != 1 {
		t.Fatal("expected message back in inbox after restore")
	}
	if snap.Inbox[0].IsDeleted || snap.Inbox[0].DeletedAt != nil {
		t.Errorf("expected soft-delete flags cleared, got %+v", snap.Inbox[0].Message)
	}

	if err := bob.MoveToTrash(ctx, id); err != nil {
		t.Fatalf("second trash failed: %v", err)
	}
	if err := bob.PermanentlyDelete(ctx, id); err != nil {
		t.Fatalf("permanent delete failed: %v", err)
	}

	bob.Refetch(ctx)
	alice.Refetch(ctx)
	snap = bob.Snapshot()
	if len(snap.Inbox)+len(snap.Trash)+len(snap.Starred) != 0 {
		t.Error("expected message gone from all of bob's views")
	}
	if n := len(alice.Snapshot().Sent); n != 0 {
		t.Errorf("expected message gone from alice's sent view, got %d", n)
	}
}

func TestViewsArePartition(t *testing.T) {
	s := setupTestStore(t)
	setupUsers(t, s, "alice", "bob")
	ctx := context.Background()

	alice := startEngine(t, s, "alice")

	if err := alice.Send(ctx, "bob", "active", ""); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if err := alice.SaveDraft(ctx, "bob", "draft", ""); err != nil {
		t.Fatalf("saveDraft failed: %v", err)
	}
	if err := alice.Send(ctx, "bob", "doomed", ""); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	var doomed string
	for _, e := range alice.Snapshot().Sent {
		if e.Subject == "doomed" {
			doomed = e.ID
		}
	}
	if err := alice.MoveToTrash(ctx, doomed); err != nil {
		t.Fatalf("trash failed: %v", err)
	}

	snap := alice.Snapshot()
	seen := make(map[string]int)
	for _, e := range snap.Sent {
		seen[e.ID]++
	}
	for _, e := range snap.Drafts {
		seen[e.ID]++
	}
	for _, e := range snap.Trash {
		seen[e.ID]++
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 distinct messages, got %d", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("message %s appears in %d of {sent,drafts,trash}, want exactly 1", id, n)
		}
	}
}

func TestUnreadCountInvariant(t *testing.T) {
	s := setupTestStore(t)
	setupUsers(t, s, "alice", "bob")
	ctx := context.Background()

	alice := startEngine(t, s, "alice")
	bob := startEngine(t, s, "bob")

	for i := 0; i < 3; i++ {
		if err := alice.Send(ctx, "bob", fmt.Sprintf("m%d", i), ""); err != nil {
			t.Fatalf("send failed: %v", err)
		}
	}
	bob.Refetch(ctx)

	snap := bob.Snapshot()
	want := 0
	for _, e := range snap.Inbox {
		if e.Status != models.MessageSeen {
			want++
		}
	}
	if snap.UnreadCount != want || want != 3 {
		t.Fatalf("expected unread count %d, got %d", want, snap.UnreadCount)
	}

	if err := bob.MarkSeen(ctx, snap.Inbox[0].ID); err != nil {
		t.Fatalf("markSeen failed: %v", err)
	}
	snap = bob.Snapshot()
	want = 0
	for _, e := range snap.Inbox {
		if e.Status != models.MessageSeen {
			want++
		}
	}
	if snap.UnreadCount != want || want != 2 {
		t.Fatalf("expected unread count %d after markSeen, got %d", want, snap.UnreadCount)
	}
}

func TestSubscriptionDrivenRefresh(t *testing.T) {
	s := setupTestStore(t)
	setupUsers(t, s, "alice", "bob")
	ctx := context.Background()

	alice := startEngine(t, s, "alice")
	bob := startEngine(t, s, "bob")

	if err := alice.Send(ctx, "bob", "Hi", "Hello"); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	// Bob never refetches explicitly; the change subscription must
	// bring the message in.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(bob.Snapshot().Inbox) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("subscription-driven refresh never delivered the message")
}

func TestCloseStopsSubscription(t *testing.T) {
	s := setupTestStore(t)
	setupUsers(t, s, "alice", "bob")
	ctx := context.Background()

	alice := startEngine(t, s, "alice")
	bob := New(s, "bob")
	if err := bob.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	bob.Close()

	if err := alice.Send(ctx, "bob", "Hi", "Hello"); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if n := len(bob.Snapshot().Inbox); n != 0 {
		t.Fatalf("closed engine must not refresh, inbox has %d entries", n)
	}
}

// stallingStore wraps a real store and can hold one trash-view query
// open, so a commit and its notification can land mid-refresh.
type stallingStore struct {
	store.Store
	armed   atomic.Bool
	stalled chan struct{}
	release chan struct{}
}

func newStallingStore(s store.Store) *stallingStore {
	return &stallingStore{
		Store:   s,
		stalled: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (s *stallingStore) Query(ctx context.Context, table string, filters []store.Filter, order store.Order) ([]store.Row, error) {
	if table == store.TableMessages && isTrashFilter(filters) && s.armed.CompareAndSwap(true, false) {
		s.stalled <- struct{}{}
		<-s.release
	}
	return s.Store.Query(ctx, table, filters, order)
}

func isTrashFilter(filters []store.Filter) bool {
	for _, f := range filters {
		if len(f.Any) == 1 && f.Any[0].Column == "is_deleted" && f.Any[0].Value == true {
			return true
		}
	}
	return false
}

func TestNotificationDuringRefreshIsNotLost(t *testing.T) {
	s := setupTestStore(t)
	setupUsers(t, s, "alice", "bob")
	ctx := context.Background()

	wrapped := newStallingStore(s)
	bob := startEngine(t, wrapped, "bob")

	send := func(subject string) {
		t.Helper()
		err := s.Insert(ctx, store.TableMessages, store.Row{
			"sender_id":   "alice",
			"receiver_id": "bob",
			"subject":     subject,
			"content":     "",
			"status":      string(models.MessageSent),
			"is_draft":    false,
		})
		if err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}

	// The first message's notification drives a refresh that reads the
	// inbox and then parks on the trash query.
	wrapped.armed.Store(true)
	send("first")
	select {
	case <-wrapped.stalled:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh never reached the trash query")
	}

	// The second message commits while that refresh is still in flight;
	// its notification must produce another refresh, not merge away.
	send("second")
	time.Sleep(50 * time.Millisecond)
	close(wrapped.release)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(bob.Snapshot().Inbox) == 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("second message never reached the inbox, got %d entries", len(bob.Snapshot().Inbox))
}

// failingStore wraps a real store and can be switched to fail queries,
// simulating a store outage mid-session.
type failingStore struct {
	store.Store
	fail atomic.Bool
}

func (f *failingStore) Query(ctx context.Context, table string, filters []store.Filter, order store.Order) ([]store.Row, error) {
	if f.fail.Load() {
		return nil, &store.StoreError{Op: "query", Table: table, Err: errors.New("simulated outage")}
	}
	return f.Store.Query(ctx, table, filters, order)
}

func TestRefreshKeepsPreviousSnapshotOnQueryFailure(t *testing.T) {
	s := setupTestStore(t)
	setupUsers(t, s, "alice")
	ctx := context.Background()

	flaky := &failingStore{Store: s}
	alice := startEngine(t, flaky, "alice")

	if err := alice.Send(ctx, "alice", "kept", ""); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	before := alice.Snapshot()
	if len(before.Sent) != 1 {
		t.Fatalf("expected 1 sent message, got %d", len(before.Sent))
	}

	flaky.fail.Store(true)
	alice.Refetch(ctx)

	after := alice.Snapshot()
	if len(after.Sent) != 1 || after.Sent[0].ID != before.Sent[0].ID {
		t.Fatal("failed refresh must leave the previous snapshot in place")
	}
	if after.UnreadCount != before.UnreadCount {
		t.Errorf("unread count drifted across failed refresh: %d -> %d", before.UnreadCount, after.UnreadCount)
	}
}
