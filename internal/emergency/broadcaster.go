// Package emergency records SOS alerts and drives their status through the
// operations workflow, alerting the admin topic at each step.
package emergency

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/25f3003058-afk/spllit-landing-sub001/internal/apperr"
	"github.com/25f3003058-afk/spllit-landing-sub001/internal/bus"
	"github.com/25f3003058-afk/spllit-landing-sub001/internal/models"
	"github.com/25f3003058-afk/spllit-landing-sub001/internal/observability"
	"github.com/25f3003058-afk/spllit-landing-sub001/internal/storage"
)

const DefaultMessage = "Emergency SOS triggered"

// transitions lists every permitted status change. Resolved and false-alarm
// are terminal.
var transitions = map[models.EmergencyStatus][]models.EmergencyStatus{
	models.EmergencyActive:       {models.EmergencyAcknowledged, models.EmergencyResolved, models.EmergencyFalseAlarm},
	models.EmergencyAcknowledged: {models.EmergencyResolved, models.EmergencyFalseAlarm},
}

func CanTransition(from, to models.EmergencyStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Publisher interface {
	Publish(topic, eventType string, payload any)
}

type Broadcaster struct {
	Store   storage.Store
	Bus     Publisher
	Logger  *slog.Logger
	Timeout time.Duration
	Now     func() time.Time
}

// SOSRequest carries the caller's alert. Nil fields take their defaults.
type SOSRequest struct {
	Location *models.Coord        `json:"location"`
	Message  *string              `json:"message,omitempty"`
	Type     *models.EmergencyType `json:"emergencyType,omitempty"`
}

func (b *Broadcaster) now() time.Time {
	if b.Now != nil {
		return b.Now().UTC()
	}
	return time.Now().UTC()
}

func (b *Broadcaster) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.Timeout > 0 {
		return context.WithTimeout(ctx, b.Timeout)
	}
	return context.WithCancel(ctx)
}

func (b *Broadcaster) RaiseSOS(ctx context.Context, callerID string, req SOSRequest) (models.Emergency, error) {
	if callerID == "" {
		return models.Emergency{}, apperr.E(apperr.Unauthorized, "caller identity required")
	}
	if req.Location == nil {
		return models.Emergency{}, apperr.E(apperr.InvalidInput, "location is required")
	}
	if !req.Location.Valid() {
		return models.Emergency{}, apperr.E(apperr.InvalidInput, "location is out of range")
	}
	msg := DefaultMessage
	if req.Message != nil && strings.TrimSpace(*req.Message) != "" {
		msg = strings.TrimSpace(*req.Message)
	}
	kind := models.EmergencyOther
	if req.Type != nil {
		if !req.Type.Valid() {
			return models.Emergency{}, apperr.E(apperr.InvalidInput, "unknown emergency type %q", *req.Type)
		}
		kind = *req.Type
	}

	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	user, err := b.Store.GetUser(ctx, callerID)
	if err != nil {
		return models.Emergency{}, storage.Translate(err, "user")
	}

	now := b.now()
	e := models.Emergency{
		ID:        models.NewID(),
		UserID:    callerID,
		Location:  *req.Location,
		Message:   msg,
		Type:      kind,
		Status:    models.EmergencyActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := b.Store.CreateEmergency(ctx, e); err != nil {
		b.Logger.Error("sos_persist_failed", "user_id", callerID, "error", err)
		return models.Emergency{}, storage.Translate(err, "emergency")
	}
	observability.SOSRaised.Inc()

	b.Bus.Publish(bus.AdminTopic, models.EventEmergencySOS, models.SOSAlert{
		ID:            e.ID,
		UserName:      user.Name,
		UserPhone:     user.Phone,
		UserEmail:     user.Email,
		College:       user.College,
		Location:      e.Location,
		Message:       e.Message,
		EmergencyType: e.Type,
		Timestamp:     e.CreatedAt,
		Status:        e.Status,
	})
	b.Logger.Warn("sos_raised", "emergency_id", e.ID, "user_id", callerID, "type", e.Type, "lat", e.Location.Lat, "lng", e.Location.Lng)
	return e, nil
}

// UpdateStatus moves the emergency to newStatus if the workflow allows it.
// A concurrent update is re-evaluated against the fresh status.
func (b *Broadcaster) UpdateStatus(ctx context.Context, emergencyID, newStatus string) (models.Emergency, error) {
	to := models.EmergencyStatus(strings.TrimSpace(newStatus))
	if !to.Valid() {
		return models.Emergency{}, apperr.E(apperr.InvalidInput, "unknown status %q", newStatus)
	}
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	const attempts = 3
	for i := 0; i < attempts; i++ {
		cur, err := b.Store.GetEmergency(ctx, emergencyID)
		if err != nil {
			return models.Emergency{}, storage.Translate(err, "emergency")
		}
		if !CanTransition(cur.Status, to) {
			return models.Emergency{}, apperr.E(apperr.InvalidState, "cannot move emergency from %s to %s", cur.Status, to)
		}

		now := b.now()
		u := storage.EmergencyUpdate{Status: to, UpdatedAt: now}
		if to == models.EmergencyResolved {
			u.ResolvedAt = &now
		}
		updated, err := b.Store.UpdateEmergency(ctx, emergencyID, cur.Status, u)
		if errors.Is(err, storage.ErrConflict) {
			continue
		}
		if err != nil {
			return models.Emergency{}, storage.Translate(err, "emergency")
		}

		observability.EmergencyStatusUpdates.WithLabelValues(string(to)).Inc()
		b.Bus.Publish(bus.AdminTopic, models.EventEmergencyStatusUpdated, models.EmergencyStatusChange{
			ID:         updated.ID,
			Status:     updated.Status,
			ResolvedAt: updated.ResolvedAt,
		})
		b.Logger.Info("emergency_status_updated", "emergency_id", emergencyID, "from", cur.Status, "to", to)
		return updated, nil
	}
	return models.Emergency{}, apperr.E(apperr.Conflict, "emergency is being updated concurrently, retry")
}

func (b *Broadcaster) GetEmergency(ctx context.Context, id string) (models.Emergency, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	e, err := b.Store.GetEmergency(ctx, id)
	return e, storage.Translate(err, "emergency")
}

// ListEmergencies lets a reconnecting dashboard re-read current state; the
// bus keeps no history.
func (b *Broadcaster) ListEmergencies(ctx context.Context, statuses []string) ([]models.Emergency, error) {
	want := make([]models.EmergencyStatus, 0, len(statuses))
	for _, s := range statuses {
		st := models.EmergencyStatus(strings.TrimSpace(s))
		if !st.Valid() {
			return nil, apperr.E(apperr.InvalidInput, "unknown status %q", s)
		}
		want = append(want, st)
	}
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	list, err := b.Store.ListEmergencies(ctx, want)
	if err != nil {
		return nil, storage.Translate(err, "emergencies")
	}
	return list, nil
}
