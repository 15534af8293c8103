package store

import "sync"

// notifier fans external-change notifications out to per-party subscribers.
// The SQLite and memory backends feed it directly; the Postgres backend
// feeds it from a LISTEN/NOTIFY loop so that mutations made by other
// processes are observed too.
type notifier struct {
	mu   sync.RWMutex
	next int
	subs map[string]map[int]func(ExternalChange)
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[string]map[int]func(ExternalChange))}
}

func (n *notifier) subscribe(partyID string, fn func(ExternalChange)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.next++
	id := n.next
	if n.subs[partyID] == nil {
		n.subs[partyID] = make(map[int]func(ExternalChange))
	}
	n.subs[partyID][id] = fn

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if m := n.subs[partyID]; m != nil {
			delete(m, id)
			if len(m) == 0 {
				delete(n.subs, partyID)
			}
		}
	}
}

// notify delivers asynchronously so a slow subscriber cannot stall the
// mutating call.
func (n *notifier) notify(change ExternalChange) {
	n.mu.RLock()
	fns := make([]func(ExternalChange), 0, len(n.subs[change.PartyID]))
	for _, fn := range n.subs[change.PartyID] {
		fns = append(fns, fn)
	}
	n.mu.RUnlock()

	for _, fn := range fns {
		go fn(change)
	}
}
