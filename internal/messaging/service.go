// Package messaging stores the chat thread of each match and tracks which
// messages the other participant has read.
package messaging

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/25f3003058-afk/spllit-landing-sub001/internal/apperr"
	"github.com/25f3003058-afk/spllit-landing-sub001/internal/bus"
	"github.com/25f3003058-afk/spllit-landing-sub001/internal/models"
	"github.com/25f3003058-afk/spllit-landing-sub001/internal/observability"
	"github.com/25f3003058-afk/spllit-landing-sub001/internal/storage"
)

const (
	DefaultLimit = 50
	MaxLimit     = 100
	MaxBodyRunes = 2000
)

type Publisher interface {
	Publish(topic, eventType string, payload any)
}

type Service struct {
	Store        storage.Store
	Bus          Publisher
	Logger       *slog.Logger
	DefaultLimit int
	MaxLimit     int
	Timeout      time.Duration
	Now          func() time.Time
}

type Page struct {
	Messages []models.Message `json:"messages"`
	HasMore  bool             `json:"hasMore"`
	// NextCursor is the oldest returned timestamp; pass it back as before.
	NextCursor *time.Time `json:"nextCursor,omitempty"`
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.Timeout > 0 {
		return context.WithTimeout(ctx, s.Timeout)
	}
	return context.WithCancel(ctx)
}

func (s *Service) limit(requested int) int {
	def, ceiling := s.DefaultLimit, s.MaxLimit
	if def <= 0 {
		def = DefaultLimit
	}
	if ceiling <= 0 {
		ceiling = MaxLimit
	}
	switch {
	case requested <= 0:
		return def
	case requested > ceiling:
		return ceiling
	}
	return requested
}

// participantMatch loads the match and checks callerID belongs to it.
func (s *Service) participantMatch(ctx context.Context, callerID, matchID string) (models.Match, error) {
	if callerID == "" {
		return models.Match{}, apperr.E(apperr.Unauthorized, "caller identity required")
	}
	m, err := s.Store.GetMatch(ctx, matchID)
	if err != nil {
		return models.Match{}, storage.Translate(err, "match")
	}
	if !m.HasParticipant(callerID) {
		return models.Match{}, apperr.E(apperr.Unauthorized, "not a participant of this match")
	}
	return m, nil
}

// ListMessages returns up to limit messages older than before, oldest first,
// and marks the peer's unread messages in the match as read.
func (s *Service) ListMessages(ctx context.Context, callerID, matchID string, limit int, before *time.Time) (Page, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.participantMatch(ctx, callerID, matchID); err != nil {
		return Page{}, err
	}
	limit = s.limit(limit)

	newest, err := s.Store.ListMessages(ctx, storage.MessageQuery{MatchID: matchID, Before: before, Limit: limit})
	if err != nil {
		return Page{}, storage.Translate(err, "messages")
	}
	msgs := make([]models.Message, len(newest))
	for i, m := range newest {
		msgs[len(newest)-1-i] = m
	}

	n, err := s.Store.MarkRead(ctx, matchID, callerID)
	if err != nil {
		return Page{}, storage.Translate(err, "messages")
	}
	if n > 0 {
		observability.MessagesMarkedRead.Add(float64(n))
		s.Logger.Debug("messages_marked_read", "match_id", matchID, "reader_id", callerID, "count", n)
	}

	page := Page{Messages: msgs, HasMore: len(msgs) == limit}
	if len(msgs) > 0 {
		oldest := msgs[0].CreatedAt
		page.NextCursor = &oldest
	}
	return page, nil
}

// AppendMessage adds body to the match thread and notifies the peer.
func (s *Service) AppendMessage(ctx context.Context, callerID, matchID, body string) (models.MessageView, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return models.MessageView{}, apperr.E(apperr.InvalidInput, "message body is required")
	}
	if utf8.RuneCountInString(body) > MaxBodyRunes {
		return models.MessageView{}, apperr.E(apperr.InvalidInput, "message body exceeds %d characters", MaxBodyRunes)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	m, err := s.participantMatch(ctx, callerID, matchID)
	if err != nil {
		return models.MessageView{}, err
	}
	if m.Status != models.MatchActive {
		return models.MessageView{}, apperr.E(apperr.Unauthorized, "chat is closed for a %s match", m.Status)
	}

	msg, err := s.Store.AppendMessage(ctx, models.Message{
		ID:        models.NewID(),
		MatchID:   matchID,
		SenderID:  callerID,
		Body:      body,
		CreatedAt: s.now(),
	})
	if err != nil {
		s.Logger.Error("append_message_failed", "match_id", matchID, "sender_id", callerID, "error", err)
		return models.MessageView{}, storage.Translate(err, "message")
	}
	observability.MessagesAppended.Inc()

	sender, err := s.Store.GetUser(ctx, callerID)
	if err != nil {
		sender = models.UserSummary{ID: callerID}
	}
	view := models.MessageView{Message: msg, Sender: sender}
	s.Bus.Publish(bus.UserTopic(m.Peer(callerID)), models.EventMessage, view)
	return view, nil
}
