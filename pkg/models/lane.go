package models

import "time"

// LaneStatus is the derived occupancy state of a lane
type LaneStatus string

const (
	LaneAvailable LaneStatus = "available"
	LaneManual    LaneStatus = "manual_use"
	LaneScraping  LaneStatus = "scraping"
)

// LaneView is what a caller sees when querying a lane.
// Occupant details are only filled in when the viewer is the occupant.
type LaneView struct {
	LaneID        string     `json:"laneId"`
	Name          string     `json:"name"`
	Status        LaneStatus `json:"status"`
	OccupiedByYou bool       `json:"occupiedByYou"`
	Since         *time.Time `json:"since,omitempty"`
	SessionID     string     `json:"sessionId,omitempty"`
	LastHeartbeat *time.Time `json:"lastHeartbeat,omitempty"`
	ConnectURL    string     `json:"connectUrl,omitempty"`
}

// ProcessorStatus reports one lane's processor
type ProcessorStatus struct {
	LaneID     string     `json:"laneId"`
	Running    bool       `json:"running"`
	Paused     bool       `json:"paused"` // stopped by an operator, lane sync will not restart it
	Processing string     `json:"processing,omitempty"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	Processed  uint64     `json:"processed"`
	Failed     uint64     `json:"failed"`
	LastError  string     `json:"lastError,omitempty"`
}
