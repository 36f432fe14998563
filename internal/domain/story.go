package domain

import "time"

const (
	MinPoints = 1
	MaxPoints = 13

	MaxTitleLen              = 512
	MaxDescriptionLen        = 4000
	MaxAcceptanceCriteriaLen = 4000
	MaxUseCaseLen            = 1024
	MaxPathLen               = 256
	MaxLabelLen              = 128

	MinPriority = 1
	MaxPriority = 4

	DefaultState = "New"
)

// Story is a unit of requirement work owned by a single user.
type Story struct {
	ID          string
	UserID      string
	Title       string
	Description string
	Points      int

	Area               string
	Iteration          string
	State              string
	AssignedTo         string
	Priority           *int
	Risk               string
	TargetDate         *time.Time
	AcceptanceCriteria string
	RelatedWorkItem    string
	UseCase            string

	Approval        ApprovalStatus
	ApprovedBy      string
	ApprovedAt      *time.Time
	RejectionReason string

	ExternalID  string
	ExternalURL string
	SyncedAt    *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RefinedSuggestion is a proposed content update for a story. It is never
// persisted as a story row.
type RefinedSuggestion struct {
	Title              string `json:"title"`
	Description        string `json:"description"`
	Points             int    `json:"points"`
	AcceptanceCriteria string `json:"acceptanceCriteria"`
	Area               string `json:"area,omitempty"`
	Priority           *int   `json:"priority,omitempty"`
	Risk               string `json:"risk,omitempty"`
	UseCase            string `json:"useCase,omitempty"`
}

// WorkItemRef identifies a story's counterpart in the external tracker.
type WorkItemRef struct {
	ID  string
	URL string
}

// ClampPoints bounds an estimate into [MinPoints, MaxPoints].
func ClampPoints(p int) int {
	if p < MinPoints {
		return MinPoints
	}
	if p > MaxPoints {
		return MaxPoints
	}
	return p
}

// SuggestionFrom returns the identity suggestion for s.
func SuggestionFrom(s Story) RefinedSuggestion {
	return RefinedSuggestion{
		Title:              s.Title,
		Description:        s.Description,
		Points:             s.Points,
		AcceptanceCriteria: s.AcceptanceCriteria,
		Area:               s.Area,
		Priority:           s.Priority,
		Risk:               s.Risk,
		UseCase:            s.UseCase,
	}
}
