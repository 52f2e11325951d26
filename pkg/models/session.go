package models

import "time"

// SessionKind tells who occupies a lane
type SessionKind string

const (
	KindManual SessionKind = "manual"
	KindScrape SessionKind = "scrape"
)

// SessionStatus represents the current state of a lane session
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
)

// Session records one occupancy of a lane. Rows are never deleted.
type Session struct {
	ID             string        `json:"id"`
	LaneID         string        `json:"laneId"`
	UserID         string        `json:"userId"`
	Kind           SessionKind   `json:"kind"`
	Status         SessionStatus `json:"status"`
	ScrapeID       string        `json:"scrapeId,omitempty"`
	ProfileID      string        `json:"profileId,omitempty"`
	StartedAt      time.Time     `json:"startedAt"`
	EndedAt        *time.Time    `json:"endedAt,omitempty"`
	LastHeartbeat  time.Time     `json:"lastHeartbeat"`
	RemoteEndpoint string        `json:"-"` // only disclosed to the owner
}

// Active reports whether the session still holds its lane
func (s *Session) Active() bool {
	return s != nil && s.Status == SessionActive
}

// StartManualRequest is the payload for starting a manual browser session
type StartManualRequest struct {
	UserID string `json:"userId"`
}

// StartManualResponse is returned to the owner only, so it carries the endpoint
type StartManualResponse struct {
	Session    *Session `json:"session"`
	ConnectURL string   `json:"connectUrl,omitempty"`
	LaneID     string   `json:"laneId"`
}
