package storage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/25f3003058-afk/spllit-landing-sub001/internal/apperr"
	"github.com/25f3003058-afk/spllit-landing-sub001/internal/models"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func seedRide(t *testing.T, s *MemoryStore, id string) {
	t.Helper()
	r := models.Ride{ID: id, OwnerID: "u1", Origin: "Campus", Destination: "Airport", Fare: 200, Status: models.RidePending, CreatedAt: t0, UpdatedAt: t0}
	if err := s.CreateRide(context.Background(), r); err != nil {
		t.Fatalf("seed ride: %v", err)
	}
}

func TestInTxRollsBackOnError(t *testing.T) {
	s := NewMemoryStore()
	seedRide(t, s, "r1")
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx Tx) error {
		if err := tx.CreateMatch(ctx, models.Match{ID: "m1", RideID: "r1", User1ID: "u1", User2ID: "u2", Status: models.MatchActive}); err != nil {
			return err
		}
		if err := tx.SetRideStatus(ctx, "r1", models.RidePending, models.RideMatched, t0); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := s.GetMatch(ctx, "m1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("match leaked from aborted tx: %v", err)
	}
	if r, _ := s.GetRide(ctx, "r1"); r.Status != models.RidePending {
		t.Fatalf("ride status leaked: %s", r.Status)
	}
}

func TestInTxAbortsWhenDeadlinePasses(t *testing.T) {
	s := NewMemoryStore()
	seedRide(t, s, "r1")
	ctx, cancel := context.WithCancel(context.Background())

	err := s.InTx(ctx, func(tx Tx) error {
		if err := tx.SetRideStatus(ctx, "r1", models.RidePending, models.RideMatched, t0); err != nil {
			return err
		}
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
	if r, _ := s.GetRide(context.Background(), "r1"); r.Status != models.RidePending {
		t.Fatalf("write committed after cancellation: %s", r.Status)
	}
}

func TestCreateMatchEnforcesOneActivePerRide(t *testing.T) {
	s := NewMemoryStore()
	seedRide(t, s, "r1")
	ctx := context.Background()

	create := func(id, user string) error {
		return s.InTx(ctx, func(tx Tx) error {
			return tx.CreateMatch(ctx, models.Match{ID: id, RideID: "r1", User1ID: "u1", User2ID: user, Status: models.MatchActive})
		})
	}
	if err := create("m1", "u2"); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := create("m2", "u3"); !errors.Is(err, ErrConflict) {
		t.Fatalf("second: expected conflict, got %v", err)
	}

	var active bool
	_ = s.InTx(ctx, func(tx Tx) error {
		var err error
		active, err = tx.HasActiveMatch(ctx, "r1", "u2")
		return err
	})
	if !active {
		t.Fatal("expected active match for u2")
	}
}

func TestSetRideStatusIsCompareAndSwap(t *testing.T) {
	s := NewMemoryStore()
	seedRide(t, s, "r1")
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.InTx(ctx, func(tx Tx) error {
				return tx.SetRideStatus(ctx, "r1", models.RidePending, models.RideMatched, t0)
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestListMessagesOrderAndCursor(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := s.AppendMessage(ctx, models.Message{ID: models.NewID(), MatchID: "m1", SenderID: "u1", Body: "hi", CreatedAt: t0.Add(time.Duration(i) * time.Second)})
		if err != nil {
			t.Fatal(err)
		}
	}
	// same timestamp as the last one: insertion order breaks the tie
	tie, _ := s.AppendMessage(ctx, models.Message{ID: "tie", MatchID: "m1", SenderID: "u2", Body: "yo", CreatedAt: t0.Add(4 * time.Second)})

	got, err := s.ListMessages(ctx, MessageQuery{MatchID: "m1", Limit: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].ID != tie.ID || got[0].Seq <= got[1].Seq {
		t.Fatalf("unexpected newest-first page: %+v", got)
	}

	before := t0.Add(2 * time.Second)
	older, _ := s.ListMessages(ctx, MessageQuery{MatchID: "m1", Before: &before, Limit: 10})
	if len(older) != 2 {
		t.Fatalf("expected 2 strictly older messages, got %d", len(older))
	}
}

func TestMarkReadSkipsOwnMessages(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for _, sender := range []string{"u1", "u2", "u2"} {
		_, _ = s.AppendMessage(ctx, models.Message{ID: models.NewID(), MatchID: "m1", SenderID: sender, CreatedAt: t0})
	}

	n, err := s.MarkRead(ctx, "m1", "u1")
	if err != nil || n != 2 {
		t.Fatalf("first mark: n=%d err=%v", n, err)
	}
	if n, _ := s.MarkRead(ctx, "m1", "u1"); n != 0 {
		t.Fatalf("second mark changed %d rows", n)
	}
	msgs, _ := s.ListMessages(ctx, MessageQuery{MatchID: "m1"})
	for _, m := range msgs {
		if m.SenderID == "u1" && m.Read {
			t.Fatalf("own message marked read: %+v", m)
		}
	}
}

func TestUpdateEmergencyExpectsStatus(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.CreateEmergency(ctx, models.Emergency{ID: "e1", UserID: "u1", Status: models.EmergencyActive, CreatedAt: t0})

	if _, err := s.UpdateEmergency(ctx, "e1", models.EmergencyAcknowledged, EmergencyUpdate{Status: models.EmergencyResolved}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	e, err := s.UpdateEmergency(ctx, "e1", models.EmergencyActive, EmergencyUpdate{Status: models.EmergencyAcknowledged, UpdatedAt: t0})
	if err != nil || e.Status != models.EmergencyAcknowledged {
		t.Fatalf("update: %+v %v", e, err)
	}
	if _, err := s.UpdateEmergency(ctx, "nope", models.EmergencyActive, EmergencyUpdate{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	list, _ := s.ListEmergencies(ctx, []models.EmergencyStatus{models.EmergencyActive})
	if len(list) != 0 {
		t.Fatalf("expected no active emergencies, got %d", len(list))
	}
}

func TestTranslate(t *testing.T) {
	cases := []struct {
		err  error
		want apperr.Kind
	}{
		{ErrNotFound, apperr.NotFound},
		{ErrConflict, apperr.Conflict},
		{ErrUnavailable, apperr.Transient},
		{context.DeadlineExceeded, apperr.Transient},
		{errors.New("disk on fire"), apperr.Internal},
		{apperr.Wrap(apperr.InvalidState, ErrConflict, "ride moved on"), apperr.InvalidState},
	}
	for _, tc := range cases {
		if got := apperr.KindOf(Translate(tc.err, "ride")); got != tc.want {
			t.Errorf("%v: got %s want %s", tc.err, got, tc.want)
		}
	}
	if Translate(nil, "ride") != nil {
		t.Error("nil should stay nil")
	}
}

func TestSeedUsers(t *testing.T) {
	m := NewMemoryStore()
	n, err := m.SeedUsers(strings.NewReader(`[{"id":"U1","name":"Asha","phone":"+91-1"},{"id":"U2","name":"Ravi"}]`))
	if err != nil || n != 2 {
		t.Fatalf("seed: n=%d err=%v", n, err)
	}
	u, err := m.GetUser(context.Background(), "U1")
	if err != nil || u.Name != "Asha" || u.Phone != "+91-1" {
		t.Fatalf("user: %+v %v", u, err)
	}

	if _, err := m.SeedUsers(strings.NewReader(`[{"id":"U3"},{"name":"nobody"}]`)); err == nil {
		t.Fatal("expected error for entry without id")
	}
	if _, err := m.GetUser(context.Background(), "U3"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("partial seed stored U3: %v", err)
	}
	if _, err := m.SeedUsers(strings.NewReader("{")); err == nil {
		t.Fatal("expected decode error")
	}
}
