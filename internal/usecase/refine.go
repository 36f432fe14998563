package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"virtual-product-owner/internal/domain"
	"virtual-product-owner/internal/heuristic"
)

const (
	defaultMaxContextChars   = 16000
	defaultHistoryWindow     = 8
	defaultAssetSnippetChars = 4000
)

// Model turns a prompt into raw model text. Any error, including a disabled
// backend, is treated by the caller as "no output".
type Model interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// AssetProvider lists a user's uploaded context assets.
type AssetProvider interface {
	ListAssets(ctx context.Context, userID string) ([]domain.Asset, error)
}

// ConversationStore owns per-story threads and their append-only messages.
type ConversationStore interface {
	GetOrCreateThread(ctx context.Context, storyID string) (domain.ConversationThread, error)
	AppendMessage(ctx context.Context, storyID string, role domain.Role, content string) (domain.Message, error)
	History(ctx context.Context, storyID string) ([]domain.Message, error)
	RecentHistory(ctx context.Context, storyID string, limit int) ([]domain.Message, error)
	DeleteConversation(ctx context.Context, storyID string) error
}

// Limits bounds the size of model prompts.
type Limits struct {
	MaxContextChars   int
	HistoryWindow     int
	AssetSnippetChars int
}

type GenerateInput struct {
	UserID   string
	Text     string
	AssetIDs []string
}

type RefineInput struct {
	UserID   string
	StoryID  string
	Message  string
	AssetIDs []string
}

type RefineOutput struct {
	Messages   []domain.Message
	Suggestion domain.RefinedSuggestion
}

// RefinementService runs story generation and conversational refinement
// against the model, falling back to deterministic output whenever the
// model gives nothing usable.
type RefinementService struct {
	stories       StoryRepository
	conversations ConversationStore
	assets        AssetProvider
	model         Model
	limits        Limits
	logger        *slog.Logger
}

func NewRefinementService(stories StoryRepository, conversations ConversationStore, assets AssetProvider, model Model, limits Limits, logger *slog.Logger) (*RefinementService, error) {
	if stories == nil {
		return nil, errors.New("usecase: story repository must not be nil")
	}
	if conversations == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if assets == nil {
		return nil, errors.New("usecase: asset provider must not be nil")
	}
	if model == nil {
		return nil, errors.New("usecase: model must not be nil")
	}
	if limits.MaxContextChars <= 0 {
		limits.MaxContextChars = defaultMaxContextChars
	}
	if limits.HistoryWindow <= 0 {
		limits.HistoryWindow = defaultHistoryWindow
	}
	if limits.AssetSnippetChars <= 0 {
		limits.AssetSnippetChars = defaultAssetSnippetChars
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RefinementService{
		stories:       stories,
		conversations: conversations,
		assets:        assets,
		model:         model,
		limits:        limits,
		logger:        logger,
	}, nil
}

// Generate returns unsaved draft stories for the merged input text and
// selected assets. When the model yields no stories the heuristic generator
// runs over the same text.
func (s *RefinementService) Generate(ctx context.Context, in GenerateInput) ([]domain.Story, error) {
	selected, err := s.selectAssets(ctx, in.UserID, in.AssetIDs)
	if err != nil {
		return nil, err
	}

	parts := []string{strings.TrimSpace(in.Text)}
	for _, a := range selected {
		if strings.TrimSpace(a.TextExtract) == "" {
			parts = append(parts, fmt.Sprintf("[Asset: %s] (no text extracted yet)", a.FileName))
			continue
		}
		parts = append(parts, fmt.Sprintf("[Asset: %s]\n%s", a.FileName, a.TextExtract))
	}
	merged := truncateRunes(joinNonBlank(parts, "\n\n"), s.limits.MaxContextChars)

	var stories []domain.Story
	if raw, ok := s.callModel(ctx, "generate", BuildGenerationPrompt(merged)); ok {
		parsed, err := ParseGeneration(in.UserID, raw)
		if err != nil {
			s.logger.WarnContext(ctx, "discarding unusable generation reply", "reason", err.Error())
		} else {
			stories = parsed
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, newError(ErrorInternal, "request_cancelled", err)
	}
	if len(stories) == 0 {
		stories = heuristic.Generate(in.UserID, merged)
	}
	return stories, nil
}

// Refine records the user's message, asks the model for an improved version
// of the story and records the resulting suggestion. The stored story is not
// modified.
func (s *RefinementService) Refine(ctx context.Context, in RefineInput) (RefineOutput, error) {
	message := strings.TrimSpace(in.Message)
	if message == "" {
		return RefineOutput{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	story, ok, err := s.stories.GetByID(ctx, in.UserID, in.StoryID)
	if err != nil {
		return RefineOutput{}, newError(ErrorInternal, "story_read_error", err)
	}
	if !ok {
		return RefineOutput{}, notFound()
	}

	if _, err := s.conversations.GetOrCreateThread(ctx, story.ID); err != nil {
		return RefineOutput{}, newError(ErrorInternal, "thread_create_error", err)
	}
	if _, err := s.conversations.AppendMessage(ctx, story.ID, domain.RoleUser, message); err != nil {
		return RefineOutput{}, newError(ErrorInternal, "message_append_error", err)
	}

	selected, err := s.selectAssets(ctx, in.UserID, in.AssetIDs)
	if err != nil {
		return RefineOutput{}, err
	}
	recent, err := s.conversations.RecentHistory(ctx, story.ID, s.limits.HistoryWindow)
	if err != nil {
		return RefineOutput{}, newError(ErrorInternal, "history_read_error", err)
	}

	current := domain.SuggestionFrom(story)
	storyJSON, err := CanonicalJSON(current)
	if err != nil {
		return RefineOutput{}, newError(ErrorInternal, "story_encode_error", err)
	}

	suggestion := current
	prompt := BuildRefinementPrompt(s.refinementContext(storyJSON, selected, recent), storyJSON)
	if raw, ok := s.callModel(ctx, "refine", prompt); ok {
		parsed, err := ParseRefinement(raw)
		if err != nil {
			s.logger.WarnContext(ctx, "discarding unusable refinement reply", "story_id", story.ID, "reason", err.Error())
		} else {
			suggestion = parsed.Merge(story)
		}
	}
	// A cancelled request keeps the user's message but gets no reply.
	if err := ctx.Err(); err != nil {
		return RefineOutput{}, newError(ErrorInternal, "request_cancelled", err)
	}

	content, err := SuggestionJSON(suggestion)
	if err != nil {
		return RefineOutput{}, newError(ErrorInternal, "suggestion_encode_error", err)
	}
	if _, err := s.conversations.AppendMessage(ctx, story.ID, domain.RoleAssistant, content); err != nil {
		return RefineOutput{}, newError(ErrorInternal, "message_append_error", err)
	}

	history, err := s.conversations.History(ctx, story.ID)
	if err != nil {
		return RefineOutput{}, newError(ErrorInternal, "history_read_error", err)
	}
	return RefineOutput{Messages: history, Suggestion: suggestion}, nil
}

// History returns the full conversation of a story owned by userID.
func (s *RefinementService) History(ctx context.Context, userID, storyID string) ([]domain.Message, error) {
	_, ok, err := s.stories.GetByID(ctx, userID, storyID)
	if err != nil {
		return nil, newError(ErrorInternal, "story_read_error", err)
	}
	if !ok {
		return nil, notFound()
	}
	history, err := s.conversations.History(ctx, storyID)
	if err != nil {
		return nil, newError(ErrorInternal, "history_read_error", err)
	}
	return history, nil
}

func (s *RefinementService) refinementContext(storyJSON string, assets []domain.Asset, recent []domain.Message) string {
	parts := []string{"Current story:\n" + storyJSON}
	for _, a := range assets {
		if strings.TrimSpace(a.TextExtract) == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("[Asset: %s]\n%s", a.FileName, truncateRunes(a.TextExtract, s.limits.AssetSnippetChars)))
	}
	lines := make([]string, 0, len(recent))
	for _, m := range recent {
		lines = append(lines, fmt.Sprintf("[%s] %s", m.Role, m.Content))
	}
	parts = append(parts, "History:\n"+strings.Join(lines, "\n"))
	return strings.Join(parts, "\n\n")
}

// callModel collapses every model failure into "no output" after logging
// the reason.
func (s *RefinementService) callModel(ctx context.Context, op, prompt string) (string, bool) {
	raw, err := s.model.Generate(ctx, prompt)
	if err != nil {
		s.logger.WarnContext(ctx, "model call failed", "op", op, "err", err)
		return "", false
	}
	if strings.TrimSpace(raw) == "" {
		s.logger.WarnContext(ctx, "model returned empty output", "op", op)
		return "", false
	}
	return raw, true
}

func (s *RefinementService) selectAssets(ctx context.Context, userID string, ids []string) ([]domain.Asset, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	all, err := s.assets.ListAssets(ctx, userID)
	if err != nil {
		return nil, newError(ErrorInternal, "asset_list_error", err)
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	selected := make([]domain.Asset, 0, len(ids))
	for _, a := range all {
		if _, ok := want[a.ID]; ok {
			selected = append(selected, a)
		}
	}
	return selected, nil
}

func joinNonBlank(parts []string, sep string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}
