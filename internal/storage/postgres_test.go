package storage

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/25f3003058-afk/spllit-landing-sub001/internal/models"
)

// Runs only against a disposable database: PG_TEST_DSN=postgres://... go test ./internal/storage
func openTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("PG_TEST_DSN")
	if dsn == "" {
		t.Skip("PG_TEST_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := p.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPostgresOneActiveMatchUnderRace(t *testing.T) {
	p := openTestPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC()
	ride := models.Ride{ID: models.NewID(), OwnerID: "owner", Origin: "A", Destination: "B", Fare: 120, Status: models.RidePending, CreatedAt: now, UpdatedAt: now}
	if err := p.CreateRide(ctx, ride); err != nil {
		t.Fatalf("create ride: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := p.InTx(ctx, func(tx Tx) error {
				r, err := tx.GetRide(ctx, ride.ID)
				if err != nil {
					return err
				}
				if r.Status != models.RidePending {
					return ErrConflict
				}
				m := models.Match{ID: models.NewID(), RideID: ride.ID, User1ID: "owner", User2ID: models.NewID(), ChatChannelID: models.NewID(), Status: models.MatchActive, MatchedAt: now}
				if err := tx.CreateMatch(ctx, m); err != nil {
					return err
				}
				return tx.SetRideStatus(ctx, ride.ID, models.RidePending, models.RideMatched, now)
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, ErrConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected one winner, got %d", wins)
	}
}
