package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/Leftyshields/better-white-elephant-sub001/internal/game"
)

// MemoryStore keeps everything in process. It backs tests and the loadtest
// driver, and doubles as the reference semantics for the SQL backends.
type MemoryStore struct {
	mu           sync.RWMutex
	parties      map[string][]byte // marshaled documents, isolating callers
	versions     map[string]int64
	participants map[string][]game.Participant
	gifts        map[string][]game.Gift // keyed by party id
	users        map[string]User
	notifier     *notifier
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		parties:      make(map[string][]byte),
		versions:     make(map[string]int64),
		participants: make(map[string][]game.Participant),
		gifts:        make(map[string][]game.Gift),
		users:        make(map[string]User),
		notifier:     newNotifier(),
	}
}

func (m *MemoryStore) LoadParty(_ context.Context, id string) (*game.Party, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	raw, ok := m.parties[id]
	if !ok {
		return nil, ErrNotFound
	}
	var p game.Party
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (m *MemoryStore) CreateParty(_ context.Context, p *game.Party) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.parties[p.ID] = raw
	m.versions[p.ID] = p.StateVersion
	return nil
}

func (m *MemoryStore) WriteParty(_ context.Context, expectedVersion int64, p *game.Party) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.versions[p.ID]
	if !ok {
		return ErrNotFound
	}
	if current != expectedVersion {
		return ErrVersionConflict
	}
	m.parties[p.ID] = raw
	m.versions[p.ID] = p.StateVersion
	return nil
}

func (m *MemoryStore) LoadRoster(_ context.Context, partyID string) (game.Roster, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return game.Roster{
		Participants: append([]game.Participant(nil), m.participants[partyID]...),
		Gifts:        append([]game.Gift(nil), m.gifts[partyID]...),
	}, nil
}

func (m *MemoryStore) AddParticipant(_ context.Context, partyID string, p game.Participant) error {
	m.mu.Lock()
	replaced := false
	for i, existing := range m.participants[partyID] {
		if existing.UserID == p.UserID {
			m.participants[partyID][i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		m.participants[partyID] = append(m.participants[partyID], p)
	}
	m.mu.Unlock()

	m.notifier.notify(ExternalChange{PartyID: partyID, Kind: ChangeParticipants})
	return nil
}

func (m *MemoryStore) AddGift(_ context.Context, g game.Gift) error {
	m.mu.Lock()
	m.gifts[g.PartyID] = append(m.gifts[g.PartyID], g)
	m.mu.Unlock()

	m.notifier.notify(ExternalChange{PartyID: g.PartyID, Kind: ChangeGifts})
	return nil
}

func (m *MemoryStore) FinalizeGiftWinners(_ context.Context, partyID string, winners map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, g := range m.gifts[partyID] {
		if winner, ok := winners[g.ID]; ok {
			m.gifts[partyID][i].WinnerID = winner
		}
	}
	return nil
}

func (m *MemoryStore) ClearGiftWinners(_ context.Context, partyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.gifts[partyID] {
		m.gifts[partyID][i].WinnerID = ""
	}
	return nil
}

func (m *MemoryStore) LookupUsers(_ context.Context, ids []string) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []User
	for _, id := range ids {
		if u, ok := m.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpsertUser(_ context.Context, u User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	return nil
}

func (m *MemoryStore) SubscribeExternal(partyID string, fn func(ExternalChange)) func() {
	return m.notifier.subscribe(partyID, fn)
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
