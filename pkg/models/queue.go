package models

import "time"

// EntryStatus is the execution status of a queue entry
type EntryStatus string

const (
	EntryPending   EntryStatus = "pending"
	EntryRunning   EntryStatus = "running"
	EntryCompleted EntryStatus = "completed"
	EntryFailed    EntryStatus = "failed"
	EntryCancelled EntryStatus = "cancelled"
)

// Terminal reports whether no further transition is possible
func (s EntryStatus) Terminal() bool {
	return s == EntryCompleted || s == EntryFailed || s == EntryCancelled
}

// QueueEntry tracks execution of one scrape inside its lane's FIFO
type QueueEntry struct {
	ScrapeID     string      `json:"scrapeId"`
	LaneID       string      `json:"laneId"`
	ProfileID    string      `json:"profileId"`
	Status       EntryStatus `json:"status"`
	CreatedAt    time.Time   `json:"createdAt"`
	StartedAt    *time.Time  `json:"startedAt,omitempty"`
	CompletedAt  *time.Time  `json:"completedAt,omitempty"`
	PagesScraped int         `json:"pagesScraped"`
	LeadsFound   int         `json:"leadsFound"`
	ErrorMessage string      `json:"errorMessage,omitempty"`
}

// RequestStatus is the user-visible status of a scrape request
type RequestStatus string

const (
	RequestPendingApproval RequestStatus = "pending_approval"
	RequestQueued          RequestStatus = "queued"
	RequestRunning         RequestStatus = "running"
	RequestCompleted       RequestStatus = "completed"
	RequestFailed          RequestStatus = "failed"
	RequestCancelled       RequestStatus = "cancelled"
)

// Terminal reports whether no further transition is possible
func (s RequestStatus) Terminal() bool {
	return s == RequestCompleted || s == RequestFailed || s == RequestCancelled
}

// SettlementStatus tracks billing of a completed request
type SettlementStatus string

const (
	SettlementNone     SettlementStatus = "none"
	SettlementHeld     SettlementStatus = "held"
	SettlementSettled  SettlementStatus = "settled"
	SettlementBlocked  SettlementStatus = "blocked"
	SettlementRejected SettlementStatus = "rejected"
)

// ScrapeRequest is the user-facing record of a scrape
type ScrapeRequest struct {
	ID               string           `json:"id"`
	UserID           string           `json:"userId"`
	URL              string           `json:"url"`
	Pages            int              `json:"pages"`
	Status           RequestStatus    `json:"status"`
	RequiresApproval bool             `json:"requiresApproval"`
	ApprovedBy       string           `json:"approvedBy,omitempty"`
	ApprovedAt       *time.Time       `json:"approvedAt,omitempty"`
	Message          string           `json:"message,omitempty"`
	Settlement       SettlementStatus `json:"settlement"`
	BilledLeads      int              `json:"billedLeads"`
	SettledBy        string           `json:"settledBy,omitempty"`
	SettledAt        *time.Time       `json:"settledAt,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// SubmitScrapeRequest is the payload for submitting a scrape
type SubmitScrapeRequest struct {
	URL   string `json:"url"`
	Pages int    `json:"pages"`
}

// QueueStatus is the live view of a scrape, including its computed position.
// Position is 0 once running or finished.
type QueueStatus struct {
	ScrapeID     string        `json:"scrapeId"`
	Status       RequestStatus `json:"status"`
	Position     int           `json:"position"`
	LaneID       string        `json:"laneId,omitempty"`
	PagesScraped int           `json:"pagesScraped"`
	LeadsFound   int           `json:"leadsFound"`
	Message      string        `json:"message,omitempty"`
	StartedAt    *time.Time    `json:"startedAt,omitempty"`
	CompletedAt  *time.Time    `json:"completedAt,omitempty"`
}

// Lead is one extracted contact
type Lead struct {
	Email    string `json:"email"`
	Name     string `json:"name,omitempty"`
	Company  string `json:"company,omitempty"`
	Verified bool   `json:"verified"`
}

// ScrapeResult is what a finished worker hands to settlement
type ScrapeResult struct {
	PagesScraped int    `json:"pagesScraped"`
	Leads        []Lead `json:"leads"`
}

// VerifiedCount returns the number of verified leads
func (r ScrapeResult) VerifiedCount() int {
	n := 0
	for _, l := range r.Leads {
		if l.Verified {
			n++
		}
	}
	return n
}
