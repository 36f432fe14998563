package handler

import (
	"time"

	"virtual-product-owner/internal/domain"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}

type storyRequest struct {
	Title              string  `json:"title"`
	Description        string  `json:"description"`
	Points             int     `json:"points"`
	Area               string  `json:"area"`
	Iteration          string  `json:"iteration"`
	State              string  `json:"state"`
	AssignedTo         string  `json:"assignedTo"`
	Priority           *int    `json:"priority"`
	Risk               string  `json:"risk"`
	TargetDate         *string `json:"targetDate"`
	AcceptanceCriteria string  `json:"acceptanceCriteria"`
	RelatedWorkItem    string  `json:"relatedWorkItem"`
	UseCase            string  `json:"useCase"`
}

type storyResponse struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	Description        string     `json:"description"`
	Points             int        `json:"points"`
	Area               string     `json:"area,omitempty"`
	Iteration          string     `json:"iteration,omitempty"`
	State              string     `json:"state,omitempty"`
	AssignedTo         string     `json:"assignedTo,omitempty"`
	Priority           *int       `json:"priority,omitempty"`
	Risk               string     `json:"risk,omitempty"`
	TargetDate         string     `json:"targetDate,omitempty"`
	AcceptanceCriteria string     `json:"acceptanceCriteria,omitempty"`
	RelatedWorkItem    string     `json:"relatedWorkItem,omitempty"`
	UseCase            string     `json:"useCase,omitempty"`
	ApprovalStatus     string     `json:"approvalStatus"`
	ApprovedBy         string     `json:"approvedBy,omitempty"`
	ApprovedAt         *time.Time `json:"approvedAt,omitempty"`
	RejectionReason    string     `json:"rejectionReason,omitempty"`
	ExternalID         string     `json:"externalId,omitempty"`
	ExternalURL        string     `json:"externalUrl,omitempty"`
	SyncedAt           *time.Time `json:"syncedAt,omitempty"`
	CreatedAt          *time.Time `json:"createdAt,omitempty"`
	UpdatedAt          *time.Time `json:"updatedAt,omitempty"`
}

type storiesResponse struct {
	Stories []storyResponse `json:"stories"`
}

type importResponse struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

type generateRequest struct {
	Input    string   `json:"input"`
	AssetIDs []string `json:"assetIds"`
	Save     bool     `json:"save"`
}

type messageRequest struct {
	Message  string   `json:"message"`
	AssetIDs []string `json:"assetIds"`
}

type messageResponse struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

type conversationResponse struct {
	Messages   []messageResponse         `json:"messages"`
	Suggestion *domain.RefinedSuggestion `json:"suggestion,omitempty"`
}

type uploadRequest struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	// Data is the base64 encoded file content.
	Data string `json:"data"`
}

type assetResponse struct {
	ID          string    `json:"id"`
	FileName    string    `json:"fileName"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	HasText     bool      `json:"hasText"`
	UploadedAt  time.Time `json:"uploadedAt"`
}

type assetsResponse struct {
	Assets []assetResponse `json:"assets"`
}

func toStoryResponse(s domain.Story) storyResponse {
	out := storyResponse{
		ID:                 s.ID,
		Title:              s.Title,
		Description:        s.Description,
		Points:             s.Points,
		Area:               s.Area,
		Iteration:          s.Iteration,
		State:              s.State,
		AssignedTo:         s.AssignedTo,
		Priority:           s.Priority,
		Risk:               s.Risk,
		AcceptanceCriteria: s.AcceptanceCriteria,
		RelatedWorkItem:    s.RelatedWorkItem,
		UseCase:            s.UseCase,
		ApprovalStatus:     s.Approval.String(),
		ApprovedBy:         s.ApprovedBy,
		ApprovedAt:         s.ApprovedAt,
		RejectionReason:    s.RejectionReason,
		ExternalID:         s.ExternalID,
		ExternalURL:        s.ExternalURL,
		SyncedAt:           s.SyncedAt,
	}
	if s.TargetDate != nil {
		out.TargetDate = s.TargetDate.UTC().Format(time.DateOnly)
	}
	// Unsaved drafts have no timestamps.
	if !s.CreatedAt.IsZero() {
		created := s.CreatedAt
		out.CreatedAt = &created
	}
	if !s.UpdatedAt.IsZero() {
		updated := s.UpdatedAt
		out.UpdatedAt = &updated
	}
	return out
}

func toStoriesResponse(stories []domain.Story) storiesResponse {
	out := storiesResponse{Stories: make([]storyResponse, 0, len(stories))}
	for _, s := range stories {
		out.Stories = append(out.Stories, toStoryResponse(s))
	}
	return out
}

func toMessages(msgs []domain.Message) []messageResponse {
	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageResponse{ID: m.ID, Role: string(m.Role), Content: m.Content, CreatedAt: m.CreatedAt})
	}
	return out
}

func toAssetResponse(a domain.Asset) assetResponse {
	return assetResponse{
		ID:          a.ID,
		FileName:    a.FileName,
		ContentType: a.ContentType,
		Size:        a.Size,
		HasText:     a.TextExtract != "",
		UploadedAt:  a.UploadedAt,
	}
}
