// Package matching pairs a rider with a posted ride and owns the Ride/Match
// state transitions that go with it.
package matching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/25f3003058-afk/spllit-landing-sub001/internal/apperr"
	"github.com/25f3003058-afk/spllit-landing-sub001/internal/bus"
	"github.com/25f3003058-afk/spllit-landing-sub001/internal/models"
	"github.com/25f3003058-afk/spllit-landing-sub001/internal/observability"
	"github.com/25f3003058-afk/spllit-landing-sub001/internal/storage"
)

type Publisher interface {
	Publish(topic, eventType string, payload any)
}

type Engine struct {
	Store  storage.Store
	Bus    Publisher
	Logger *slog.Logger
	// Timeout bounds each operation's store work; zero means the caller's deadline only.
	Timeout time.Duration
	Now     func() time.Time
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.Timeout > 0 {
		return context.WithTimeout(ctx, e.Timeout)
	}
	return context.WithCancel(ctx)
}

// ChatChannelID derives the channel id from both riders and the match
// instant, so concurrent matches never need to coordinate on it.
func ChatChannelID(ownerID, matcherID string, at time.Time) string {
	return fmt.Sprintf("chat_%s_%s_%d", ownerID, matcherID, at.UnixNano())
}

type RideInput struct {
	Origin      string  `json:"origin"`
	Destination string  `json:"destination"`
	Fare        float64 `json:"fare"`
}

// PostRide publishes a new pending ride owned by ownerID.
func (e *Engine) PostRide(ctx context.Context, ownerID string, in RideInput) (models.Ride, error) {
	in.Origin = strings.TrimSpace(in.Origin)
	in.Destination = strings.TrimSpace(in.Destination)
	switch {
	case ownerID == "":
		return models.Ride{}, apperr.E(apperr.Unauthorized, "caller identity required")
	case in.Origin == "" || in.Destination == "":
		return models.Ride{}, apperr.E(apperr.InvalidInput, "origin and destination are required")
	case in.Fare <= 0:
		return models.Ride{}, apperr.E(apperr.InvalidInput, "fare must be positive")
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	now := e.now()
	r := models.Ride{
		ID:          models.NewID(),
		OwnerID:     ownerID,
		Origin:      in.Origin,
		Destination: in.Destination,
		Fare:        in.Fare,
		Status:      models.RidePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Store.CreateRide(ctx, r); err != nil {
		return models.Ride{}, storage.Translate(err, "ride")
	}
	e.Logger.Info("ride_posted", "ride_id", r.ID, "owner_id", ownerID)
	return r, nil
}

func (e *Engine) GetRide(ctx context.Context, rideID string) (models.Ride, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	r, err := e.Store.GetRide(ctx, rideID)
	return r, storage.Translate(err, "ride")
}

// CreateMatch pairs callerID with the ride. The checks and both writes run
// in one store transaction so two callers racing for the same ride cannot
// both win.
func (e *Engine) CreateMatch(ctx context.Context, callerID, rideID string) (models.MatchView, error) {
	if callerID == "" {
		return models.MatchView{}, apperr.E(apperr.Unauthorized, "caller identity required")
	}
	if rideID == "" {
		return models.MatchView{}, apperr.E(apperr.InvalidInput, "rideId is required")
	}
	start := time.Now()
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	now := e.now()
	var (
		ride  models.Ride
		match models.Match
	)
	err := e.Store.InTx(ctx, func(tx storage.Tx) error {
		r, err := tx.GetRide(ctx, rideID)
		if err != nil {
			return storage.Translate(err, "ride")
		}
		if r.Status != models.RidePending {
			return apperr.E(apperr.InvalidState, "ride is %s, not pending", r.Status)
		}
		if r.OwnerID == callerID {
			return apperr.E(apperr.InvalidState, "cannot match your own ride")
		}
		dup, err := tx.HasActiveMatch(ctx, rideID, callerID)
		if err != nil {
			return storage.Translate(err, "match")
		}
		if dup {
			return apperr.E(apperr.Conflict, "already matched on this ride")
		}

		m := models.Match{
			ID:            models.NewID(),
			RideID:        rideID,
			User1ID:       r.OwnerID,
			User2ID:       callerID,
			ChatChannelID: ChatChannelID(r.OwnerID, callerID, now),
			Status:        models.MatchActive,
			MatchedAt:     now,
		}
		if err := tx.CreateMatch(ctx, m); err != nil {
			return storage.Translate(err, "match")
		}
		if err := tx.SetRideStatus(ctx, rideID, models.RidePending, models.RideMatched, now); err != nil {
			return storage.Translate(err, "ride")
		}
		r.Status = models.RideMatched
		r.UpdatedAt = now
		ride, match = r, m
		return nil
	})
	// InTx itself fails with raw store errors on begin and commit.
	err = storage.Translate(err, "match")
	if err != nil {
		if apperr.KindOf(err) == apperr.Conflict {
			observability.MatchConflicts.Inc()
		}
		e.logFailure("create_match_failed", err, "ride_id", rideID, "caller_id", callerID)
		return models.MatchView{}, err
	}
	observability.MatchesCreated.Inc()
	observability.MatchLatency.Observe(time.Since(start).Seconds())

	view := e.hydrate(ctx, match, ride)
	e.Bus.Publish(bus.UserTopic(match.User1ID), models.EventMatchCreated, models.MatchCreated{Match: view})
	e.Bus.Publish(bus.UserTopic(match.User2ID), models.EventMatchCreated, models.MatchCreated{Match: view})
	e.Bus.Publish(bus.AdminTopic, models.EventNewMatchCreated, models.MatchSummary{
		TotalFare:   ride.Fare,
		SplitAmount: ride.Fare / 2,
		Origin:      ride.Origin,
		Destination: ride.Destination,
		MatchID:     match.ID,
		Timestamp:   match.MatchedAt,
	})
	e.Logger.Info("match_created", "match_id", match.ID, "ride_id", rideID, "user1_id", match.User1ID, "user2_id", match.User2ID)
	return view, nil
}

// CompleteMatch closes an active match and its ride together.
func (e *Engine) CompleteMatch(ctx context.Context, callerID, matchID string) (models.MatchView, error) {
	if callerID == "" {
		return models.MatchView{}, apperr.E(apperr.Unauthorized, "caller identity required")
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	now := e.now()
	var (
		ride  models.Ride
		match models.Match
	)
	err := e.Store.InTx(ctx, func(tx storage.Tx) error {
		m, err := tx.GetMatch(ctx, matchID)
		if err != nil {
			return storage.Translate(err, "match")
		}
		if !m.HasParticipant(callerID) {
			return apperr.E(apperr.Unauthorized, "not a participant of this match")
		}
		if m.Status != models.MatchActive {
			return apperr.E(apperr.InvalidState, "match is already %s", m.Status)
		}
		r, err := tx.GetRide(ctx, m.RideID)
		if err != nil {
			return storage.Translate(err, "ride")
		}
		if err := tx.CompleteMatch(ctx, matchID, now); err != nil {
			return asInvalidState(err, "match")
		}
		if err := tx.SetRideStatus(ctx, m.RideID, models.RideMatched, models.RideCompleted, now); err != nil {
			return asInvalidState(err, "ride")
		}
		completed := now
		m.Status = models.MatchCompleted
		m.CompletedAt = &completed
		r.Status = models.RideCompleted
		r.UpdatedAt = now
		ride, match = r, m
		return nil
	})
	err = storage.Translate(err, "match")
	if err != nil {
		e.logFailure("complete_match_failed", err, "match_id", matchID, "caller_id", callerID)
		return models.MatchView{}, err
	}
	observability.MatchesCompleted.Inc()
	e.Logger.Info("match_completed", "match_id", matchID, "ride_id", ride.ID)
	return e.hydrate(ctx, match, ride), nil
}

// GetMatch returns the hydrated match to one of its participants.
func (e *Engine) GetMatch(ctx context.Context, callerID, matchID string) (models.MatchView, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	m, err := e.Store.GetMatch(ctx, matchID)
	if err != nil {
		return models.MatchView{}, storage.Translate(err, "match")
	}
	if !m.HasParticipant(callerID) {
		return models.MatchView{}, apperr.E(apperr.Unauthorized, "not a participant of this match")
	}
	r, err := e.Store.GetRide(ctx, m.RideID)
	if err != nil {
		return models.MatchView{}, storage.Translate(err, "ride")
	}
	return e.hydrate(ctx, m, r), nil
}

func (e *Engine) ListMatches(ctx context.Context, callerID string) ([]models.MatchView, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	ms, err := e.Store.ListMatchesForUser(ctx, callerID)
	if err != nil {
		return nil, storage.Translate(err, "match")
	}
	out := make([]models.MatchView, 0, len(ms))
	for _, m := range ms {
		r, err := e.Store.GetRide(ctx, m.RideID)
		if err != nil {
			return nil, storage.Translate(err, "ride")
		}
		out = append(out, e.hydrate(ctx, m, r))
	}
	return out, nil
}

// hydrate attaches participant summaries. A missing summary degrades to the
// bare id; the match itself is already committed.
func (e *Engine) hydrate(ctx context.Context, m models.Match, r models.Ride) models.MatchView {
	return models.MatchView{Match: m, Ride: r, User1: e.summary(ctx, m.User1ID), User2: e.summary(ctx, m.User2ID)}
}

func (e *Engine) summary(ctx context.Context, userID string) models.UserSummary {
	u, err := e.Store.GetUser(ctx, userID)
	if err != nil {
		e.Logger.Warn("user_summary_unavailable", "user_id", userID, "error", err)
		return models.UserSummary{ID: userID}
	}
	return u
}

func (e *Engine) logFailure(msg string, err error, args ...any) {
	args = append(args, "kind", apperr.KindOf(err).String(), "error", err)
	if k := apperr.KindOf(err); k == apperr.Internal || k == apperr.Transient {
		e.Logger.Error(msg, args...)
		return
	}
	e.Logger.Debug(msg, args...)
}

func asInvalidState(err error, entity string) error {
	if errors.Is(err, storage.ErrConflict) {
		return apperr.Wrap(apperr.InvalidState, err, "%s is no longer in the expected state", entity)
	}
	return storage.Translate(err, entity)
}
