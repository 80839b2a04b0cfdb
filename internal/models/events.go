package models

import "time"

// Event type names published on the bus. Consumers depend on these strings.
const (
	EventMatchCreated           = "match-created"
	EventNewMatchCreated        = "new-match-created"
	EventMessage                = "message"
	EventEmergencySOS           = "emergency-sos"
	EventEmergencyStatusUpdated = "emergency-status-updated"
)

type MatchCreated struct {
	Match MatchView `json:"match"`
}

// MatchSummary is the admin-facing view of a fresh match.
type MatchSummary struct {
	TotalFare   float64   `json:"totalFare"`
	SplitAmount float64   `json:"splitAmount"`
	Origin      string    `json:"origin"`
	Destination string    `json:"destination"`
	MatchID     string    `json:"matchId"`
	Timestamp   time.Time `json:"timestamp"`
}

type SOSAlert struct {
	ID            string          `json:"id"`
	UserName      string          `json:"userName"`
	UserPhone     string          `json:"userPhone"`
	UserEmail     string          `json:"userEmail"`
	College       string          `json:"college"`
	Location      Coord           `json:"location"`
	Message       string          `json:"message"`
	EmergencyType EmergencyType   `json:"emergencyType"`
	Timestamp     time.Time       `json:"timestamp"`
	Status        EmergencyStatus `json:"status"`
}

type EmergencyStatusChange struct {
	ID         string          `json:"id"`
	Status     EmergencyStatus `json:"status"`
	ResolvedAt *time.Time      `json:"resolvedAt"`
}
