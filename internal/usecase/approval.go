package usecase

import (
	"context"
	"errors"
	"time"

	"virtual-product-owner/internal/domain"
)

// WorkItemSyncer pushes an approved story to the external tracker.
type WorkItemSyncer interface {
	CreateOrUpdate(ctx context.Context, story domain.Story) (domain.WorkItemRef, error)
}

// ApprovalService applies approval transitions and persists them through
// the story repository. A transition only counts once the update reports
// success.
type ApprovalService struct {
	stories StoryRepository
	syncer  WorkItemSyncer
	now     func() time.Time
}

func NewApprovalService(stories StoryRepository, syncer WorkItemSyncer) (*ApprovalService, error) {
	if stories == nil {
		return nil, errors.New("usecase: story repository must not be nil")
	}
	if syncer == nil {
		return nil, errors.New("usecase: work item syncer must not be nil")
	}
	return &ApprovalService{stories: stories, syncer: syncer, now: time.Now}, nil
}

func (s *ApprovalService) Submit(ctx context.Context, userID, id string) (domain.Story, error) {
	return s.transition(ctx, userID, id, func(st *domain.Story) error {
		return st.Submit()
	})
}

func (s *ApprovalService) Approve(ctx context.Context, userID, id, approverID string) (domain.Story, error) {
	return s.transition(ctx, userID, id, func(st *domain.Story) error {
		return st.Approve(approverID, s.now())
	})
}

func (s *ApprovalService) Reject(ctx context.Context, userID, id, reason string) (domain.Story, error) {
	return s.transition(ctx, userID, id, func(st *domain.Story) error {
		return st.Reject(reason)
	})
}

// Sync pushes an approved story to the external tracker and records the
// returned reference. The tracker's error text is kept intact in the
// returned error.
func (s *ApprovalService) Sync(ctx context.Context, userID, id string) (domain.Story, error) {
	story, err := s.load(ctx, userID, id)
	if err != nil {
		return domain.Story{}, err
	}
	if err := story.CanSync(); err != nil {
		return domain.Story{}, transitionError(err)
	}
	ref, err := s.syncer.CreateOrUpdate(ctx, story)
	if err != nil {
		return domain.Story{}, newError(ErrorUpstream, "sync_failed", err)
	}
	if err := story.MarkSynced(ref, s.now()); err != nil {
		return domain.Story{}, transitionError(err)
	}
	return s.save(ctx, userID, story)
}

func (s *ApprovalService) transition(ctx context.Context, userID, id string, apply func(*domain.Story) error) (domain.Story, error) {
	story, err := s.load(ctx, userID, id)
	if err != nil {
		return domain.Story{}, err
	}
	if err := apply(&story); err != nil {
		return domain.Story{}, transitionError(err)
	}
	return s.save(ctx, userID, story)
}

func (s *ApprovalService) load(ctx context.Context, userID, id string) (domain.Story, error) {
	story, ok, err := s.stories.GetByID(ctx, userID, id)
	if err != nil {
		return domain.Story{}, newError(ErrorInternal, "story_read_error", err)
	}
	if !ok {
		return domain.Story{}, notFound()
	}
	return story, nil
}

func (s *ApprovalService) save(ctx context.Context, userID string, story domain.Story) (domain.Story, error) {
	ok, err := s.stories.Update(ctx, userID, story)
	if err != nil {
		return domain.Story{}, newError(ErrorInternal, "story_update_error", err)
	}
	if !ok {
		return domain.Story{}, notFound()
	}
	saved, ok, err := s.stories.GetByID(ctx, userID, story.ID)
	if err != nil || !ok {
		return story, nil
	}
	return saved, nil
}
