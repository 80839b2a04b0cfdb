package models

import (
	"time"

	"github.com/google/uuid"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the coordinate lies on the globe.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

type RideStatus string

const (
	RidePending   RideStatus = "pending"
	RideMatched   RideStatus = "matched"
	RideCompleted RideStatus = "completed"
	RideCancelled RideStatus = "cancelled"
)

type Ride struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"ownerId"`
	Origin      string     `json:"origin"`
	Destination string     `json:"destination"`
	Fare        float64    `json:"fare"`
	Status      RideStatus `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

type MatchStatus string

const (
	MatchActive    MatchStatus = "active"
	MatchCompleted MatchStatus = "completed"
)

type Match struct {
	ID            string      `json:"id"`
	RideID        string      `json:"rideId"`
	User1ID       string      `json:"user1Id"` // ride owner
	User2ID       string      `json:"user2Id"` // matcher
	ChatChannelID string      `json:"chatChannelId"`
	Status        MatchStatus `json:"status"`
	MatchedAt     time.Time   `json:"matchedAt"`
	CompletedAt   *time.Time  `json:"completedAt"`
}

// HasParticipant reports whether userID is one of the two matched riders.
func (m Match) HasParticipant(userID string) bool {
	return userID != "" && (m.User1ID == userID || m.User2ID == userID)
}

// Peer returns the participant that is not userID.
func (m Match) Peer(userID string) string {
	if m.User1ID == userID {
		return m.User2ID
	}
	return m.User1ID
}

type Message struct {
	ID        string    `json:"id"`
	MatchID   string    `json:"matchId"`
	SenderID  string    `json:"senderId"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
	Read      bool      `json:"read"`
	Seq       int64     `json:"-"` // insertion order, breaks CreatedAt ties
}

type EmergencyType string

const (
	EmergencyAccident   EmergencyType = "accident"
	EmergencyHarassment EmergencyType = "harassment"
	EmergencyMedical    EmergencyType = "medical"
	EmergencyOther      EmergencyType = "other"
)

func (t EmergencyType) Valid() bool {
	switch t {
	case EmergencyAccident, EmergencyHarassment, EmergencyMedical, EmergencyOther:
		return true
	}
	return false
}

type EmergencyStatus string

const (
	EmergencyActive       EmergencyStatus = "active"
	EmergencyAcknowledged EmergencyStatus = "acknowledged"
	EmergencyResolved     EmergencyStatus = "resolved"
	EmergencyFalseAlarm   EmergencyStatus = "false-alarm"
)

func (s EmergencyStatus) Valid() bool {
	switch s {
	case EmergencyActive, EmergencyAcknowledged, EmergencyResolved, EmergencyFalseAlarm:
		return true
	}
	return false
}

type Emergency struct {
	ID         string          `json:"id"`
	UserID     string          `json:"userId"`
	Location   Coord           `json:"location"`
	Message    string          `json:"message"`
	Type       EmergencyType   `json:"emergencyType"`
	Status     EmergencyStatus `json:"status"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
	ResolvedAt *time.Time      `json:"resolvedAt"`
}

// UserSummary is the read-only projection of an account this service needs.
type UserSummary struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Email   string  `json:"email"`
	Phone   string  `json:"phone"`
	College string  `json:"college"`
	Rating  float64 `json:"rating"`
}

type MatchView struct {
	Match
	Ride  Ride        `json:"ride"`
	User1 UserSummary `json:"user1"`
	User2 UserSummary `json:"user2"`
}

type MessageView struct {
	Message
	Sender UserSummary `json:"sender"`
}

func NewID() string { return uuid.NewString() }
