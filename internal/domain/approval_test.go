package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestApproval_SubmitThenApprove(t *testing.T) {
	s := Story{Approval: Draft}
	require.NoError(t, s.Submit())
	require.Equal(t, PendingApproval, s.Approval)

	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.FixedZone("x", 3600))
	require.NoError(t, s.Approve("admin", at))
	require.Equal(t, Approved, s.Approval)
	require.Equal(t, "admin", s.ApprovedBy)
	require.NotNil(t, s.ApprovedAt)
	require.Equal(t, time.UTC, s.ApprovedAt.Location())
}

func TestApproval_SubmitThenReject(t *testing.T) {
	s := Story{}
	require.NoError(t, s.Submit())
	require.NoError(t, s.Reject("too vague"))
	require.Equal(t, Rejected, s.Approval)
	require.Equal(t, "too vague", s.RejectionReason)
}

func TestApproval_FromDraftIsRejected(t *testing.T) {
	s := Story{}

	err := s.Approve("admin", time.Now())
	var te *TransitionError
	require.True(t, errors.As(err, &te))
	require.Equal(t, "approve", te.Action)
	require.Equal(t, Draft, te.From)
	require.Equal(t, PendingApproval, te.Required)

	require.Error(t, s.Reject(""))
	require.Equal(t, Draft, s.Approval)
	require.Empty(t, s.ApprovedBy)
	require.Nil(t, s.ApprovedAt)
}

func TestApproval_TerminalStates(t *testing.T) {
	for _, st := range []ApprovalStatus{Approved, Rejected} {
		s := Story{Approval: st}
		require.Error(t, s.Submit(), st.String())
		require.Error(t, s.Approve("a", time.Now()), st.String())
		require.Error(t, s.Reject("r"), st.String())
		require.Equal(t, st, s.Approval)
	}
}

func TestApproval_SubmitTwice(t *testing.T) {
	s := Story{}
	require.NoError(t, s.Submit())
	err := s.Submit()
	require.ErrorContains(t, err, "requires Draft")
}

func TestMarkSynced(t *testing.T) {
	s := Story{Approval: PendingApproval}
	require.Error(t, s.MarkSynced(WorkItemRef{ID: "1"}, time.Now()))
	require.Empty(t, s.ExternalID)

	s.Approval = Approved
	require.NoError(t, s.MarkSynced(WorkItemRef{ID: "42", URL: "https://x/42"}, time.Now()))
	require.Equal(t, Approved, s.Approval)
	require.Equal(t, "42", s.ExternalID)
	require.Equal(t, "https://x/42", s.ExternalURL)
	require.NotNil(t, s.SyncedAt)
}

func TestApprovalStatus_RoundTrip(t *testing.T) {
	for _, st := range []ApprovalStatus{Draft, PendingApproval, Approved, Rejected} {
		got, err := ParseApprovalStatus(st.String())
		require.NoError(t, err)
		require.Equal(t, st, got)
	}
	_, err := ParseApprovalStatus("Shipped")
	require.Error(t, err)
}

func TestClampPoints(t *testing.T) {
	require.Equal(t, 1, ClampPoints(-4))
	require.Equal(t, 1, ClampPoints(0))
	require.Equal(t, 8, ClampPoints(8))
	require.Equal(t, 13, ClampPoints(25))
}
