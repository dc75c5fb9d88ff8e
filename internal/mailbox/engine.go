// Package mailbox implements the mailbox sync engine: five derived
// message views and an unread counter, cached from the store and kept
// fresh by subscription-driven refetch. The cache is never authoritative;
// every mutation writes to the store first and the views are re-queried
// wholesale afterward.
package mailbox

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"mailhub/internal/models"
	"mailhub/internal/store"
)

// Snapshot is one consistent copy of the cached views. A refresh replaces
// the whole snapshot; callers must not mutate the slices.
type Snapshot struct {
	Inbox       []models.ViewEntry `json:"inbox"`
	Sent        []models.ViewEntry `json:"sent"`
	Starred     []models.ViewEntry `json:"starred"`
	Drafts      []models.ViewEntry `json:"drafts"`
	Trash       []models.ViewEntry `json:"trash"`
	UnreadCount int                `json:"unread_count"`
	Loading     bool               `json:"loading"`
}

// Engine owns the cached mailbox views for one identity.
type Engine struct {
	store    store.Store
	identity string

	mu   sync.RWMutex
	snap Snapshot
	sub  store.Subscription

	// coalesces bursts of change notifications into one re-query
	flight singleflight.Group
	// set by notifications, cleared when a refresh begins; a refresh
	// that finishes with it set was overtaken by a commit
	dirty atomic.Bool
}

// New builds an engine for the given identity. Call Start to load the
// initial snapshot and attach the change subscription, and Close when
// the identity's session ends.
func New(st store.Store, identity string) *Engine {
	return &Engine{
		store:    st,
		identity: identity,
		snap:     Snapshot{Loading: true},
	}
}

// Start performs the initial refresh and subscribes to message changes.
func (e *Engine) Start(ctx context.Context) error {
	if e.identity == "" {
		return store.ErrAuthRequired
	}

	e.Refetch(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sub == nil {
		e.sub = e.store.Subscribe(store.TableMessages, e.onStoreChange)
	}
	return nil
}

// Close detaches the change subscription. The cached snapshot remains
// readable but goes stale.
func (e *Engine) Close() {
	e.mu.Lock()
	sub := e.sub
	e.sub = nil
	e.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
}

// Snapshot returns the current cached views.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snap
}

// Identity returns the identity the engine was built for.
func (e *Engine) Identity() string {
	return e.identity
}

func (e *Engine) onStoreChange() {
	// Change events carry no payload; coalesce and re-query. A
	// notification landing mid-refresh joins the in-flight call, whose
	// queries may predate the commit behind it, so loop until a refresh
	// has started after the mark was set.
	e.dirty.Store(true)
	for e.dirty.Load() {
		_, _, _ = e.flight.Do("refresh", func() (any, error) {
			e.dirty.Store(false)
			e.Refetch(context.Background())
			return nil, nil
		})
	}
}

// Refetch re-queries all five views and replaces the snapshot. The five
// queries run independently: a failing one is logged and leaves its view
// at the previous snapshot while the others still replace theirs. Safe
// to call concurrently; the last refresh to complete wins.
func (e *Engine) Refetch(ctx context.Context) {
	e.setLoading(true)
	defer e.setLoading(false)

	self := e.identity
	directory := e.fetchDirectory(ctx)

	views := []struct {
		folder  models.Folder
		filters []store.Filter
		order   store.Order
		dest    func(*Snapshot) *[]models.ViewEntry
	}{
		{
			folder: models.FolderInbox,
			filters: []store.Filter{
				store.Eq("receiver_id", self),
				store.Eq("is_deleted", false),
				store.Eq("is_draft", false),
			},
			order: store.Desc("created_at"),
			dest:  func(s *Snapshot) *[]models.ViewEntry { return &s.Inbox },
		},
		{
			folder: models.FolderSent,
			filters: []store.Filter{
				store.Eq("sender_id", self),
				store.Eq("is_deleted", false),
				store.Eq("is_draft", false),
			},
			order: store.Desc("created_at"),
			dest:  func(s *Snapshot) *[]models.ViewEntry { return &s.Sent },
		},
		{
			folder: models.FolderStarred,
			filters: []store.Filter{
				store.AnyOf(
					store.Cond{Column: "sender_id", Value: self},
					store.Cond{Column: "receiver_id", Value: self},
				),
				store.Eq("is_starred", true),
				store.Eq("is_deleted", false),
			},
			order: store.Desc("created_at"),
			dest:  func(s *Snapshot) *[]models.ViewEntry { return &s.Starred },
		},
		{
			folder: models.FolderDrafts,
			filters: []store.Filter{
				store.Eq("sender_id", self),
				store.Eq("is_draft", true),
				store.Eq("is_deleted", false),
			},
			order: store.Desc("created_at"),
			dest:  func(s *Snapshot) *[]models.ViewEntry { return &s.Drafts },
		},
		{
			folder: models.FolderTrash,
			filters: []store.Filter{
				store.AnyOf(
					store.Cond{Column: "sender_id", Value: self},
					store.Cond{Column: "receiver_id", Value: self},
				),
				store.Eq("is_deleted", true),
			},
			order: store.Desc("deleted_at"),
			dest:  func(s *Snapshot) *[]models.ViewEntry { return &s.Trash },
		},
	}

	e.mu.Lock()
	next := e.snap
	e.mu.Unlock()

	for _, v := range views {
		rows, err := e.store.Query(ctx, store.TableMessages, v.filters, v.order)
		if err != nil {
			log.Printf("mailbox: %s refresh failed: %v", v.folder, err)
			continue
		}
		*v.dest(&next) = buildEntries(rows, v.folder, directory)
	}

	next.UnreadCount = 0
	for i := range next.Inbox {
		if next.Inbox[i].Unseen() {
			next.UnreadCount++
		}
	}

	e.mu.Lock()
	next.Loading = e.snap.Loading
	e.snap = next
	e.mu.Unlock()
}

// fetchDirectory loads the profile directory used to denormalize sender
// and receiver onto view entries. On failure entries simply carry nil
// profiles for this refresh.
func (e *Engine) fetchDirectory(ctx context.Context) map[string]*models.Profile {
	rows, err := e.store.Query(ctx, store.TableProfiles, nil, store.Order{})
	if err != nil {
		log.Printf("mailbox: profile directory refresh failed: %v", err)
		return nil
	}

	directory := make(map[string]*models.Profile, len(rows))
	for _, r := range rows {
		p := store.DecodeProfile(r)
		directory[p.ID] = &p
	}
	return directory
}

func buildEntries(rows []store.Row, folder models.Folder, directory map[string]*models.Profile) []models.ViewEntry {
	entries := make([]models.ViewEntry, 0, len(rows))
	for _, r := range rows {
		m := store.DecodeMessage(r)
		entry := models.ViewEntry{Message: m, Folder: folder}
		if directory != nil {
			entry.Sender = directory[m.SenderID]
			entry.Receiver = directory[m.ReceiverID]
		}
		entries = append(entries, entry)
	}
	return entries
}

func (e *Engine) setLoading(v bool) {
	e.mu.Lock()
	e.snap.Loading = v
	e.mu.Unlock()
}
