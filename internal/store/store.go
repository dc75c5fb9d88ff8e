// Package store defines the contract between the sync engines and the
// backing data store: filtered queries, row-level mutations, and a
// change-subscription primitive. Implementations live elsewhere (see
// internal/db for the SQLite one).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Table names used by the engines.
const (
	TableMessages  = "messages"
	TableProfiles  = "profiles"
	TableUserRoles = "user_roles"
)

var (
	// ErrAuthRequired is returned by operations attempted without an
	// active identity.
	ErrAuthRequired = errors.New("authentication required")

	// ErrNotFound is returned when a mutation targets a row that does
	// not exist.
	ErrNotFound = errors.New("row not found")
)

// StoreError wraps any failure raised by the backing store: network,
// permission, or constraint violation. The store's message text is kept
// verbatim for the presentation layer.
type StoreError struct {
	Op    string
	Table string
	Err   error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s %s: %v", e.Op, e.Table, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Row is a single record keyed by column name. Values are the Go types
// the implementation scanned: string, bool, time.Time, or typed nil
// pointers for NULL columns.
type Row map[string]any

func (r Row) String(col string) string {
	v, _ := r[col].(string)
	return v
}

func (r Row) Bool(col string) bool {
	v, _ := r[col].(bool)
	return v
}

func (r Row) Time(col string) time.Time {
	v, _ := r[col].(time.Time)
	return v
}

// TimePtr returns nil for NULL timestamp columns.
func (r Row) TimePtr(col string) *time.Time {
	v, _ := r[col].(*time.Time)
	return v
}

// StringPtr returns nil for NULL text columns.
func (r Row) StringPtr(col string) *string {
	v, _ := r[col].(*string)
	return v
}

// Cond is a single column equality condition.
type Cond struct {
	Column string
	Value  any
}

// Filter is one conjunct of a query's WHERE clause: a disjunction of
// equality conditions. Most filters carry a single condition; the
// two-condition form covers "sender = self OR receiver = self".
type Filter struct {
	Any []Cond
}

// Eq builds a single-condition filter.
func Eq(column string, value any) Filter {
	return Filter{Any: []Cond{{Column: column, Value: value}}}
}

// AnyOf builds a disjunctive filter.
func AnyOf(conds ...Cond) Filter {
	return Filter{Any: conds}
}

// Order describes the sort applied to a query.
type Order struct {
	Column string
	Desc   bool
}

// Desc orders by a column, newest first.
func Desc(column string) Order {
	return Order{Column: column, Desc: true}
}

// Subscription is a handle on a live change feed. Unsubscribe is
// idempotent and must be called when the consumer's lifetime ends.
type Subscription interface {
	Unsubscribe()
}

// Store is the data store as seen by the sync engines. Change
// notifications carry no payload: consumers re-query, never patch
// their caches from the event.
type Store interface {
	Query(ctx context.Context, table string, filters []Filter, order Order) ([]Row, error)
	Insert(ctx context.Context, table string, row Row) error
	Update(ctx context.Context, table string, id string, fields Row) error
	Delete(ctx context.Context, table string, id string) error
	Subscribe(table string, onChange func()) Subscription
}
