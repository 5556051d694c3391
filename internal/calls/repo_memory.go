package calls

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local development.
// A single mutex makes every method atomic, which gives the same guarded-write
// semantics as the Postgres implementation.
type MemoryStore struct {
	mu           sync.Mutex
	calls        map[string]Call
	participants map[string]map[string]Participant
	users        map[string]User
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		calls:        map[string]Call{},
		participants: map[string]map[string]Participant{},
		users:        map[string]User{},
	}
}

func (m *MemoryStore) InsertCall(ctx context.Context, c Call) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.calls[c.ID]; ok {
		return ErrInvalidArgument
	}
	m.calls[c.ID] = cloneCall(c)
	m.participants[c.ID] = map[string]Participant{
		c.HostID: {CallID: c.ID, UserID: c.HostID, JoinedAt: c.CreatedAt},
	}
	return nil
}

func (m *MemoryStore) GetCall(ctx context.Context, id string) (Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.calls[id]
	if !ok {
		return Call{}, ErrNotFound
	}
	return cloneCall(c), nil
}

func (m *MemoryStore) ListCallsForUser(ctx context.Context, userID string) ([]Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []Call{}
	for id, ps := range m.participants {
		if _, ok := ps[userID]; ok {
			out = append(out, cloneCall(m.calls[id]))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) SetStatus(ctx context.Context, id string, from, to Status, at time.Time) error {
	if !validTransition(from, to) {
		return ErrInvalidTransition
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.calls[id]
	if !ok {
		return ErrNotFound
	}
	if c.Status != from {
		return ErrStatusConflict
	}
	c.Status = to
	c.EndedAt = &at
	m.calls[id] = c
	return nil
}

func (m *MemoryStore) MarkProvisioned(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.calls[id]
	if !ok {
		return ErrNotFound
	}
	c.Provisioned = true
	m.calls[id] = c
	return nil
}

func (m *MemoryStore) InsertParticipant(ctx context.Context, p Participant) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.calls[p.CallID]
	if !ok {
		return false, ErrNotFound
	}
	if c.Status != StatusActive {
		return false, ErrCallEnded
	}
	ps := m.participants[p.CallID]
	if _, ok := ps[p.UserID]; ok {
		return false, nil
	}
	ps[p.UserID] = p
	return true, nil
}

func (m *MemoryStore) ListParticipants(ctx context.Context, callID string) ([]ParticipantView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ps := make([]Participant, 0, len(m.participants[callID]))
	for _, p := range m.participants[callID] {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].JoinedAt.Equal(ps[j].JoinedAt) {
			return ps[i].UserID < ps[j].UserID
		}
		return ps[i].JoinedAt.Before(ps[j].JoinedAt)
	})

	out := make([]ParticipantView, 0, len(ps))
	for _, p := range ps {
		u := m.users[p.UserID]
		out = append(out, ParticipantView{UserID: p.UserID, Name: u.Name, Image: u.Image})
	}
	return out, nil
}

func (m *MemoryStore) DeleteCall(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.calls[id]
	if !ok {
		return ErrNotFound
	}
	if c.Status != StatusCompleted {
		return ErrStatusConflict
	}
	delete(m.calls, id)
	delete(m.participants, id)
	return nil
}

func (m *MemoryStore) UpsertUser(ctx context.Context, u User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.users[u.ID]
	cur.ID = u.ID
	if u.Name != "" {
		cur.Name = u.Name
	}
	if u.Image != "" {
		cur.Image = u.Image
	}
	m.users[u.ID] = cur
	return nil
}

// ParticipantCount is a test helper.
func (m *MemoryStore) ParticipantCount(callID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.participants[callID])
}

func cloneCall(c Call) Call {
	if c.Name != nil {
		n := *c.Name
		c.Name = &n
	}
	if c.EndedAt != nil {
		t := *c.EndedAt
		c.EndedAt = &t
	}
	return c
}
