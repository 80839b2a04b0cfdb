package storage

import (
	"context"
	"errors"
	"time"

	"github.com/25f3003058-afk/spllit-landing-sub001/internal/apperr"
	"github.com/25f3003058-afk/spllit-landing-sub001/internal/models"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict means a conditional write lost: the expected state no
	// longer holds, or a uniqueness rule would be violated.
	ErrConflict = errors.New("storage: condition failed")
	// ErrUnavailable wraps connectivity failures of the backing store.
	ErrUnavailable = errors.New("storage: unavailable")
)

// Store is the persistence adapter consumed by the coordinator. Everything
// that must change Rides and Matches together goes through InTx.
type Store interface {
	GetUser(ctx context.Context, id string) (models.UserSummary, error)

	CreateRide(ctx context.Context, r models.Ride) error
	GetRide(ctx context.Context, id string) (models.Ride, error)

	GetMatch(ctx context.Context, id string) (models.Match, error)
	ListMatchesForUser(ctx context.Context, userID string) ([]models.Match, error)

	// AppendMessage stores m and returns it with its insertion sequence set.
	AppendMessage(ctx context.Context, m models.Message) (models.Message, error)
	// ListMessages returns messages newest first.
	ListMessages(ctx context.Context, q MessageQuery) ([]models.Message, error)
	// MarkRead flips read=false to true for messages in matchID not sent by
	// readerID, in one conditional bulk update. It returns the rows changed.
	MarkRead(ctx context.Context, matchID, readerID string) (int, error)

	CreateEmergency(ctx context.Context, e models.Emergency) error
	GetEmergency(ctx context.Context, id string) (models.Emergency, error)
	// UpdateEmergency applies u only while the stored status equals expected.
	UpdateEmergency(ctx context.Context, id string, expected models.EmergencyStatus, u EmergencyUpdate) (models.Emergency, error)
	ListEmergencies(ctx context.Context, statuses []models.EmergencyStatus) ([]models.Emergency, error)

	// InTx runs fn in one isolated, atomic unit. Either every write made
	// through tx is visible to other operations or none is.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

type Tx interface {
	// GetRide reads and locks the ride for the rest of the transaction.
	GetRide(ctx context.Context, id string) (models.Ride, error)
	GetMatch(ctx context.Context, id string) (models.Match, error)
	// HasActiveMatch reports an active match on rideID that userID takes part in.
	HasActiveMatch(ctx context.Context, rideID, userID string) (bool, error)
	// CreateMatch fails with ErrConflict if the ride already has an active match.
	CreateMatch(ctx context.Context, m models.Match) error
	// SetRideStatus is a compare-and-swap on the ride status.
	SetRideStatus(ctx context.Context, id string, from, to models.RideStatus, at time.Time) error
	// CompleteMatch moves an active match to completed, stamping completedAt.
	CompleteMatch(ctx context.Context, id string, at time.Time) error
}

type MessageQuery struct {
	MatchID string
	// Before, when set, restricts results to messages created strictly earlier.
	Before *time.Time
	Limit  int
}

// EmergencyUpdate is written as a whole; nil ResolvedAt clears the column.
type EmergencyUpdate struct {
	Status     models.EmergencyStatus
	ResolvedAt *time.Time
	UpdatedAt  time.Time
}

// Translate maps storage errors onto the caller-facing taxonomy.
func Translate(err error, entity string) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return apperr.Wrap(apperr.NotFound, err, "%s not found", entity)
	case errors.Is(err, ErrConflict):
		return apperr.Wrap(apperr.Conflict, err, "%s was changed concurrently", entity)
	case errors.Is(err, ErrUnavailable), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return apperr.Wrap(apperr.Transient, err, "store unavailable")
	}
	return apperr.Wrap(apperr.Internal, err, "store failure")
}
