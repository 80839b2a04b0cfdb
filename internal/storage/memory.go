package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/25f3003058-afk/spllit-landing-sub001/internal/models"
)

// MemoryStore is a single-process Store. One mutex serialises every
// operation, and InTx holds it for the whole transaction while staging
// writes, so a failed transaction leaves nothing behind.
type MemoryStore struct {
	mu          sync.Mutex
	users       map[string]models.UserSummary
	rides       map[string]models.Ride
	matches     map[string]models.Match
	messages    map[string][]models.Message
	emergencies map[string]models.Emergency
	seq         int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]models.UserSummary),
		rides:       make(map[string]models.Ride),
		matches:     make(map[string]models.Match),
		messages:    make(map[string][]models.Message),
		emergencies: make(map[string]models.Emergency),
	}
}

// PutUser registers a user summary. Accounts are owned elsewhere; this is
// how tests and local runs seed the directory.
func (m *MemoryStore) PutUser(u models.UserSummary) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

// SeedUsers loads a JSON array of user summaries. Nothing is stored unless
// every entry has an id.
func (m *MemoryStore) SeedUsers(r io.Reader) (int, error) {
	var users []models.UserSummary
	if err := json.NewDecoder(r).Decode(&users); err != nil {
		return 0, fmt.Errorf("decode seed users: %w", err)
	}
	for i, u := range users {
		if u.ID == "" {
			return 0, fmt.Errorf("seed user %d has no id", i)
		}
	}
	for _, u := range users {
		m.PutUser(u)
	}
	return len(users), nil
}

func (m *MemoryStore) GetUser(ctx context.Context, id string) (models.UserSummary, error) {
	if err := ctx.Err(); err != nil {
		return models.UserSummary{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return models.UserSummary{}, ErrNotFound
	}
	return u, nil
}

func (m *MemoryStore) CreateRide(ctx context.Context, r models.Ride) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return ErrConflict
	}
	m.rides[r.ID] = r
	return nil
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (models.Ride, error) {
	if err := ctx.Err(); err != nil {
		return models.Ride{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return models.Ride{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryStore) GetMatch(ctx context.Context, id string) (models.Match, error) {
	if err := ctx.Err(); err != nil {
		return models.Match{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, ok := m.matches[id]
	if !ok {
		return models.Match{}, ErrNotFound
	}
	return mt, nil
}

func (m *MemoryStore) ListMatchesForUser(ctx context.Context, userID string) ([]models.Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Match
	for _, mt := range m.matches {
		if mt.HasParticipant(userID) {
			out = append(out, mt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MatchedAt.After(out[j].MatchedAt) })
	return out, nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	msg.Seq = m.seq
	m.messages[msg.MatchID] = append(m.messages[msg.MatchID], msg)
	return msg, nil
}

func (m *MemoryStore) ListMessages(ctx context.Context, q MessageQuery) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.messages[q.MatchID]
	sorted := make([]models.Message, 0, len(all))
	for _, msg := range all {
		if q.Before != nil && !msg.CreatedAt.Before(*q.Before) {
			continue
		}
		sorted = append(sorted, msg)
	}
	sort.Slice(sorted, func(i, j int) bool { return newerThan(sorted[i], sorted[j]) })
	if q.Limit > 0 && len(sorted) > q.Limit {
		sorted = sorted[:q.Limit]
	}
	return sorted, nil
}

func newerThan(a, b models.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.Seq > b.Seq
}

func (m *MemoryStore) MarkRead(ctx context.Context, matchID, readerID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[matchID]
	n := 0
	for i := range msgs {
		if !msgs[i].Read && msgs[i].SenderID != readerID {
			msgs[i].Read = true
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CreateEmergency(ctx context.Context, e models.Emergency) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.emergencies[e.ID]; ok {
		return ErrConflict
	}
	m.emergencies[e.ID] = e
	return nil
}

func (m *MemoryStore) GetEmergency(ctx context.Context, id string) (models.Emergency, error) {
	if err := ctx.Err(); err != nil {
		return models.Emergency{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.emergencies[id]
	if !ok {
		return models.Emergency{}, ErrNotFound
	}
	return e, nil
}

func (m *MemoryStore) UpdateEmergency(ctx context.Context, id string, expected models.EmergencyStatus, u EmergencyUpdate) (models.Emergency, error) {
	if err := ctx.Err(); err != nil {
		return models.Emergency{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.emergencies[id]
	if !ok {
		return models.Emergency{}, ErrNotFound
	}
	if e.Status != expected {
		return models.Emergency{}, ErrConflict
	}
	e.Status = u.Status
	e.ResolvedAt = u.ResolvedAt
	e.UpdatedAt = u.UpdatedAt
	m.emergencies[id] = e
	return e, nil
}

func (m *MemoryStore) ListEmergencies(ctx context.Context, statuses []models.EmergencyStatus) ([]models.Emergency, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	want := make(map[models.EmergencyStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Emergency
	for _, e := range m.emergencies {
		if len(want) == 0 || want[e.Status] {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{s: m, rides: make(map[string]models.Ride), matches: make(map[string]models.Match)}
	if err := fn(tx); err != nil {
		return err
	}
	// a deadline that passed mid-transaction aborts it like a failed commit
	if err := ctx.Err(); err != nil {
		return err
	}
	for id, r := range tx.rides {
		m.rides[id] = r
	}
	for id, mt := range tx.matches {
		m.matches[id] = mt
	}
	return nil
}

// memTx stages writes over the committed maps; the store mutex is held by
// InTx for its lifetime.
type memTx struct {
	s       *MemoryStore
	rides   map[string]models.Ride
	matches map[string]models.Match
}

func (t *memTx) GetRide(ctx context.Context, id string) (models.Ride, error) {
	if err := ctx.Err(); err != nil {
		return models.Ride{}, err
	}
	if r, ok := t.rides[id]; ok {
		return r, nil
	}
	r, ok := t.s.rides[id]
	if !ok {
		return models.Ride{}, ErrNotFound
	}
	return r, nil
}

func (t *memTx) GetMatch(ctx context.Context, id string) (models.Match, error) {
	if err := ctx.Err(); err != nil {
		return models.Match{}, err
	}
	if mt, ok := t.matches[id]; ok {
		return mt, nil
	}
	mt, ok := t.s.matches[id]
	if !ok {
		return models.Match{}, ErrNotFound
	}
	return mt, nil
}

func (t *memTx) eachMatch(fn func(models.Match) bool) {
	for _, mt := range t.matches {
		if !fn(mt) {
			return
		}
	}
	for id, mt := range t.s.matches {
		if _, staged := t.matches[id]; staged {
			continue
		}
		if !fn(mt) {
			return
		}
	}
}

func (t *memTx) HasActiveMatch(ctx context.Context, rideID, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	found := false
	t.eachMatch(func(mt models.Match) bool {
		if mt.RideID == rideID && mt.Status == models.MatchActive && mt.HasParticipant(userID) {
			found = true
		}
		return !found
	})
	return found, nil
}

func (t *memTx) CreateMatch(ctx context.Context, m models.Match) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conflict := false
	t.eachMatch(func(mt models.Match) bool {
		if mt.ID == m.ID || (mt.RideID == m.RideID && mt.Status == models.MatchActive) {
			conflict = true
		}
		return !conflict
	})
	if conflict {
		return ErrConflict
	}
	t.matches[m.ID] = m
	return nil
}

func (t *memTx) SetRideStatus(ctx context.Context, id string, from, to models.RideStatus, at time.Time) error {
	r, err := t.GetRide(ctx, id)
	if err != nil {
		return err
	}
	if r.Status != from {
		return ErrConflict
	}
	r.Status = to
	r.UpdatedAt = at
	t.rides[id] = r
	return nil
}

func (t *memTx) CompleteMatch(ctx context.Context, id string, at time.Time) error {
	mt, err := t.GetMatch(ctx, id)
	if err != nil {
		return err
	}
	if mt.Status != models.MatchActive {
		return ErrConflict
	}
	mt.Status = models.MatchCompleted
	completed := at
	mt.CompletedAt = &completed
	t.matches[id] = mt
	return nil
}
