package db

import (
	"sync"

	"mailhub/internal/store"
)

// notifier is the in-process change feed. Every successful mutation on a
// table fires that table's callbacks; callbacks carry no payload, so
// subscribers must re-query.
type notifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]func()
}

func newNotifier() *notifier {
	return &notifier{
		subs: make(map[string]map[int]func()),
	}
}

func (n *notifier) subscribe(table string, onChange func()) *subscription {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextID++
	id := n.nextID
	if n.subs[table] == nil {
		n.subs[table] = make(map[int]func())
	}
	n.subs[table][id] = onChange

	return &subscription{notifier: n, table: table, id: id}
}

// notify invokes the table's callbacks outside the lock, each on its own
// goroutine, so a slow subscriber cannot stall a mutation.
func (n *notifier) notify(table string) {
	n.mu.Lock()
	callbacks := make([]func(), 0, len(n.subs[table]))
	for _, fn := range n.subs[table] {
		callbacks = append(callbacks, fn)
	}
	n.mu.Unlock()

	for _, fn := range callbacks {
		go fn()
	}
}

func (n *notifier) remove(table string, id int) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if m := n.subs[table]; m != nil {
		delete(m, id)
		if len(m) == 0 {
			delete(n.subs, table)
		}
	}
}

type subscription struct {
	notifier *notifier
	table    string
	id       int
	once     sync.Once
}

// Unsubscribe detaches the callback. Safe to call more than once.
func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.notifier.remove(s.table, s.id)
	})
}

// Subscribe registers a callback fired after any insert, update, or
// delete on the table.
func (s *SQLiteStore) Subscribe(table string, onChange func()) store.Subscription {
	return s.notifier.subscribe(table, onChange)
}
