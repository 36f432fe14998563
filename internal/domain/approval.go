package domain

import (
	"fmt"
	"time"
)

type ApprovalStatus int

const (
	Draft ApprovalStatus = iota
	PendingApproval
	Approved
	Rejected
)

func (s ApprovalStatus) String() string {
	switch s {
	case Draft:
		return "Draft"
	case PendingApproval:
		return "PendingApproval"
	case Approved:
		return "Approved"
	case Rejected:
		return "Rejected"
	default:
		return fmt.Sprintf("ApprovalStatus(%d)", int(s))
	}
}

// ParseApprovalStatus is the inverse of String.
func ParseApprovalStatus(v string) (ApprovalStatus, error) {
	switch v {
	case "Draft":
		return Draft, nil
	case "PendingApproval":
		return PendingApproval, nil
	case "Approved":
		return Approved, nil
	case "Rejected":
		return Rejected, nil
	}
	return Draft, fmt.Errorf("domain: unknown approval status %q", v)
}

// TransitionError reports an approval action attempted from the wrong state.
type TransitionError struct {
	Action   string
	From     ApprovalStatus
	Required ApprovalStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("domain: cannot %s story in state %s, requires %s", e.Action, e.From, e.Required)
}

func (s *Story) expect(action string, want ApprovalStatus) error {
	if s.Approval != want {
		return &TransitionError{Action: action, From: s.Approval, Required: want}
	}
	return nil
}

// Submit moves a draft into review.
func (s *Story) Submit() error {
	if err := s.expect("submit", Draft); err != nil {
		return err
	}
	s.Approval = PendingApproval
	return nil
}

// Approve records the approver and time. Only pending stories may be approved.
func (s *Story) Approve(approverID string, at time.Time) error {
	if err := s.expect("approve", PendingApproval); err != nil {
		return err
	}
	at = at.UTC()
	s.Approval = Approved
	s.ApprovedBy = approverID
	s.ApprovedAt = &at
	return nil
}

// Reject closes a pending story with an optional reason.
func (s *Story) Reject(reason string) error {
	if err := s.expect("reject", PendingApproval); err != nil {
		return err
	}
	s.Approval = Rejected
	s.RejectionReason = reason
	return nil
}

// CanSync reports whether the story may be pushed to the external tracker.
func (s *Story) CanSync() error {
	return s.expect("sync", Approved)
}

// MarkSynced records the external work item. Approval status is unchanged.
func (s *Story) MarkSynced(ref WorkItemRef, at time.Time) error {
	if err := s.CanSync(); err != nil {
		return err
	}
	at = at.UTC()
	s.ExternalID = ref.ID
	s.ExternalURL = ref.URL
	s.SyncedAt = &at
	return nil
}
