// Package roster implements the admin roster sync engine: the full
// profile list partitioned by approval status, kept fresh the same way
// the mailbox engine keeps its views. Refresh and mutation are gated by
// an admin capability supplied by the caller.
package roster

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"mailhub/internal/models"
	"mailhub/internal/store"
)

// Snapshot is one consistent copy of the roster. The partitions are a
// client-side split of All, not separate queries.
type Snapshot struct {
	All       []models.Profile `json:"all"`
	Pending   []models.Profile `json:"pending"`
	Approved  []models.Profile `json:"approved"`
	Rejected  []models.Profile `json:"rejected"`
	Suspended []models.Profile `json:"suspended"`
	Loading   bool             `json:"loading"`
}

// Engine owns the cached roster for one admin session.
type Engine struct {
	store   store.Store
	isAdmin func() bool

	mu   sync.RWMutex
	snap Snapshot
	sub  store.Subscription

	flight singleflight.Group
	// set by notifications, cleared when a refresh begins
	dirty atomic.Bool
}

// New builds a roster engine. isAdmin is consulted on every refresh and
// mutation; for a non-admin the roster stays empty and writes fail.
func New(st store.Store, isAdmin func() bool) *Engine {
	return &Engine{
		store:   st,
		isAdmin: isAdmin,
		snap:    Snapshot{Loading: true},
	}
}

// Start performs the initial refresh and subscribes to profile changes.
func (e *Engine) Start(ctx context.Context) {
	e.Refetch(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sub == nil {
		e.sub = e.store.Subscribe(store.TableProfiles, e.onStoreChange)
	}
}

// Close detaches the change subscription.
func (e *Engine) Close() {
	e.mu.Lock()
	sub := e.sub
	e.sub = nil
	e.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
}

// Snapshot returns the current cached roster.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snap
}

func (e *Engine) onStoreChange() {
	// A notification landing mid-refresh joins the in-flight call, whose
	// query may predate the commit behind it; loop until a refresh has
	// started after the mark was set.
	e.dirty.Store(true)
	for e.dirty.Load() {
		_, _, _ = e.flight.Do("refresh", func() (any, error) {
			e.dirty.Store(false)
			e.Refetch(context.Background())
			return nil, nil
		})
	}
}

// Refetch re-queries the profile list and replaces the snapshot. For a
// non-admin caller this is a no-op that leaves the roster empty with
// loading cleared.
func (e *Engine) Refetch(ctx context.Context) {
	if !e.isAdmin() {
		e.mu.Lock()
		e.snap = Snapshot{}
		e.mu.Unlock()
		return
	}

	e.setLoading(true)
	defer e.setLoading(false)

	rows, err := e.store.Query(ctx, store.TableProfiles, nil, store.Desc("created_at"))
	if err != nil {
		log.Printf("roster: refresh failed: %v", err)
		return
	}

	next := Snapshot{All: make([]models.Profile, 0, len(rows))}
	for _, r := range rows {
		p := store.DecodeProfile(r)
		next.All = append(next.All, p)
		switch p.Status {
		case models.UserPending:
			next.Pending = append(next.Pending, p)
		case models.UserApproved:
			next.Approved = append(next.Approved, p)
		case models.UserRejected:
			next.Rejected = append(next.Rejected, p)
		case models.UserSuspended:
			next.Suspended = append(next.Suspended, p)
		}
	}

	e.mu.Lock()
	next.Loading = e.snap.Loading
	e.snap = next
	e.mu.Unlock()
}

// SetStatus transitions a user through the approval workflow.
func (e *Engine) SetStatus(ctx context.Context, userID string, status models.UserStatus) error {
	return e.mutate(ctx, func() error {
		return e.store.Update(ctx, store.TableProfiles, userID, store.Row{
			"status": string(status),
		})
	})
}

// Approve marks a user approved.
func (e *Engine) Approve(ctx context.Context, userID string) error {
	return e.SetStatus(ctx, userID, models.UserApproved)
}

// Reject marks a user rejected.
func (e *Engine) Reject(ctx context.Context, userID string) error {
	return e.SetStatus(ctx, userID, models.UserRejected)
}

// Suspend marks a user suspended.
func (e *Engine) Suspend(ctx context.Context, userID string) error {
	return e.SetStatus(ctx, userID, models.UserSuspended)
}

// DeleteUser removes the profile row; the store cascades to the user's
// roles and messages.
func (e *Engine) DeleteUser(ctx context.Context, userID string) error {
	return e.mutate(ctx, func() error {
		return e.store.Delete(ctx, store.TableProfiles, userID)
	})
}

func (e *Engine) mutate(ctx context.Context, write func() error) error {
	if !e.isAdmin() {
		return store.ErrAuthRequired
	}
	if err := write(); err != nil {
		return err
	}
	e.Refetch(ctx)
	return nil
}

func (e *Engine) setLoading(v bool) {
	e.mu.Lock()
	e.snap.Loading = v
	e.mu.Unlock()
}
