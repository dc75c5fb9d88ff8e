package mailbox

import (
	"context"
	"time"

	"mailhub/internal/models"
	"mailhub/internal/store"
)

// Mutating operations. Each issues exactly one store write and, only on
// success, re-queries the views so the effect is visible to the caller's
// snapshot. On error the cached views are left untouched and the error
// is returned for the presentation layer to surface.

// Send inserts a non-draft message authored by the engine's identity.
func (e *Engine) Send(ctx context.Context, receiverID, subject, content string) error {
	return e.mutate(ctx, func() error {
		return e.store.Insert(ctx, store.TableMessages, store.Row{
			"sender_id":   e.identity,
			"receiver_id": receiverID,
			"subject":     subject,
			"content":     content,
			"status":      string(models.MessageSent),
			"is_draft":    false,
		})
	})
}

// SaveDraft inserts a draft. An empty receiver defaults to the author so
// the draft satisfies the store's non-null receiver constraint.
func (e *Engine) SaveDraft(ctx context.Context, receiverID, subject, content string) error {
	return e.mutate(ctx, func() error {
		return e.store.Insert(ctx, store.TableMessages, store.Row{
			"sender_id":   e.identity,
			"receiver_id": e.orSelf(receiverID),
			"subject":     subject,
			"content":     content,
			"is_draft":    true,
		})
	})
}

// UpdateDraft rewrites an existing draft's receiver, subject, and content.
func (e *Engine) UpdateDraft(ctx context.Context, id, receiverID, subject, content string) error {
	return e.mutate(ctx, func() error {
		if err := e.ownsDraft(ctx, id); err != nil {
			return err
		}
		return e.store.Update(ctx, store.TableMessages, id, store.Row{
			"receiver_id": e.orSelf(receiverID),
			"subject":     subject,
			"content":     content,
		})
	})
}

// SendDraft converts a draft into a sent message in place, preserving
// its id and created_at.
func (e *Engine) SendDraft(ctx context.Context, id, receiverID, subject, content string) error {
	return e.mutate(ctx, func() error {
		if err := e.ownsDraft(ctx, id); err != nil {
			return err
		}
		return e.store.Update(ctx, store.TableMessages, id, store.Row{
			"receiver_id": receiverID,
			"subject":     subject,
			"content":     content,
			"is_draft":    false,
		})
	})
}

// MarkSeen sets a message's status to seen. Idempotent.
func (e *Engine) MarkSeen(ctx context.Context, id string) error {
	return e.mutate(ctx, func() error {
		if err := e.owned(ctx, id); err != nil {
			return err
		}
		return e.store.Update(ctx, store.TableMessages, id, store.Row{
			"status": string(models.MessageSeen),
		})
	})
}

// ToggleStarred flips the starred flag. The store has no atomic flip, so
// the caller supplies the last value it saw; two interleaved toggles
// resolve by last write wins.
func (e *Engine) ToggleStarred(ctx context.Context, id string, currentStarred bool) error {
	return e.mutate(ctx, func() error {
		if err := e.owned(ctx, id); err != nil {
			return err
		}
		return e.store.Update(ctx, store.TableMessages, id, store.Row{
			"is_starred": !currentStarred,
		})
	})
}

// MoveToTrash soft-deletes a message.
func (e *Engine) MoveToTrash(ctx context.Context, id string) error {
	return e.mutate(ctx, func() error {
		if err := e.owned(ctx, id); err != nil {
			return err
		}
		now := time.Now().UTC()
		return e.store.Update(ctx, store.TableMessages, id, store.Row{
			"is_deleted": true,
			"deleted_at": &now,
		})
	})
}

// RestoreFromTrash clears the soft-delete flags; the message reappears
// in its original view.
func (e *Engine) RestoreFromTrash(ctx context.Context, id string) error {
	return e.mutate(ctx, func() error {
		if err := e.owned(ctx, id); err != nil {
			return err
		}
		return e.store.Update(ctx, store.TableMessages, id, store.Row{
			"is_deleted": false,
			"deleted_at": (*time.Time)(nil),
		})
	})
}

// PermanentlyDelete removes the row entirely. Irreversible.
func (e *Engine) PermanentlyDelete(ctx context.Context, id string) error {
	return e.mutate(ctx, func() error {
		if err := e.owned(ctx, id); err != nil {
			return err
		}
		return e.store.Delete(ctx, store.TableMessages, id)
	})
}

// owned verifies the message involves the engine's identity as sender or
// receiver. Mutations on another user's messages report NotFound rather
// than reveal the row exists.
func (e *Engine) owned(ctx context.Context, id string) error {
	rows, err := e.store.Query(ctx, store.TableMessages, []store.Filter{
		store.Eq("id", id),
		store.AnyOf(
			store.Cond{Column: "sender_id", Value: e.identity},
			store.Cond{Column: "receiver_id", Value: e.identity},
		),
	}, store.Order{})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ownsDraft verifies the row is a draft authored by the engine's
// identity; only authors may edit or send a draft.
func (e *Engine) ownsDraft(ctx context.Context, id string) error {
	rows, err := e.store.Query(ctx, store.TableMessages, []store.Filter{
		store.Eq("id", id),
		store.Eq("sender_id", e.identity),
		store.Eq("is_draft", true),
	}, store.Order{})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (e *Engine) mutate(ctx context.Context, write func() error) error {
	if e.identity == "" {
		return store.ErrAuthRequired
	}
	if err := write(); err != nil {
		return err
	}
	e.Refetch(ctx)
	return nil
}

func (e *Engine) orSelf(receiverID string) string {
	if receiverID == "" {
		return e.identity
	}
	return receiverID
}
