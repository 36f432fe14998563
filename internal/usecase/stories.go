package usecase

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"virtual-product-owner/internal/domain"
	"virtual-product-owner/internal/heuristic"
)

// StoryRepository owns story rows. Every call is scoped to userID and a row
// owned by someone else behaves exactly like a missing row. Implementations
// do not validate content; StoryService does.
type StoryRepository interface {
	List(ctx context.Context, userID string) ([]domain.Story, error)
	Create(ctx context.Context, userID, title, description string, points int) (domain.Story, error)
	Update(ctx context.Context, userID string, story domain.Story) (bool, error)
	Delete(ctx context.Context, userID, id string) (bool, error)
	GetByID(ctx context.Context, userID, id string) (domain.Story, bool, error)
}

// ConversationDeleter removes a story's thread and messages.
type ConversationDeleter interface {
	DeleteConversation(ctx context.Context, storyID string) error
}

// StoryInput carries user-editable story content.
type StoryInput struct {
	Title              string
	Description        string
	Points             int
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
}

var csvHeader = []string{
	"Title", "Description", "Points", "Area", "Iteration", "State", "AssignedTo",
	"Priority", "Risk", "TargetDate", "AcceptanceCriteria", "RelatedWorkItem", "UseCase",
}

type StoryService struct {
	stories       StoryRepository
	conversations ConversationDeleter
	logger        *slog.Logger
}

func NewStoryService(stories StoryRepository, conversations ConversationDeleter, logger *slog.Logger) (*StoryService, error) {
	if stories == nil {
		return nil, errors.New("usecase: story repository must not be nil")
	}
	if conversations == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StoryService{stories: stories, conversations: conversations, logger: logger}, nil
}

func (s *StoryService) List(ctx context.Context, userID string) ([]domain.Story, error) {
	out, err := s.stories.List(ctx, userID)
	if err != nil {
		return nil, newError(ErrorInternal, "story_list_error", err)
	}
	return out, nil
}

func (s *StoryService) Get(ctx context.Context, userID, id string) (domain.Story, error) {
	story, ok, err := s.stories.GetByID(ctx, userID, id)
	if err != nil {
		return domain.Story{}, newError(ErrorInternal, "story_read_error", err)
	}
	if !ok {
		return domain.Story{}, notFound()
	}
	return story, nil
}

// Create validates in, stores the story as a Draft and then writes any
// metadata that the repository's create call does not take.
func (s *StoryService) Create(ctx context.Context, userID string, in StoryInput) (domain.Story, error) {
	in, err := validateStoryInput(in)
	if err != nil {
		return domain.Story{}, err
	}
	return s.create(ctx, userID, in)
}

func (s *StoryService) create(ctx context.Context, userID string, in StoryInput) (domain.Story, error) {
	story, err := s.stories.Create(ctx, userID, in.Title, in.Description, in.Points)
	if err != nil {
		return domain.Story{}, newError(ErrorInternal, "story_create_error", err)
	}
	if !in.hasMetadata() {
		return story, nil
	}
	applyInput(&story, in)
	saved, err := s.persist(ctx, userID, story)
	if err != nil {
		// The row exists without its metadata; remove it rather than leave
		// a half-written story behind.
		if _, derr := s.stories.Delete(context.WithoutCancel(ctx), userID, story.ID); derr != nil {
			s.logger.ErrorContext(ctx, "failed to remove partially created story", "story_id", story.ID, "err", derr)
		}
		return domain.Story{}, err
	}
	return saved, nil
}

// Update replaces the editable content of a story. Approval and sync fields
// are never touched here.
func (s *StoryService) Update(ctx context.Context, userID, id string, in StoryInput) (domain.Story, error) {
	in, err := validateStoryInput(in)
	if err != nil {
		return domain.Story{}, err
	}
	story, err := s.Get(ctx, userID, id)
	if err != nil {
		return domain.Story{}, err
	}
	applyInput(&story, in)
	return s.persist(ctx, userID, story)
}

// ApplySuggestion commits a refinement suggestion onto the stored story.
func (s *StoryService) ApplySuggestion(ctx context.Context, userID, id string, sug domain.RefinedSuggestion) (domain.Story, error) {
	story, err := s.Get(ctx, userID, id)
	if err != nil {
		return domain.Story{}, err
	}
	in := inputFromStory(story)
	in.Title = sug.Title
	in.Description = sug.Description
	in.Points = sug.Points
	in.AcceptanceCriteria = sug.AcceptanceCriteria
	in.Area = sug.Area
	in.Priority = sug.Priority
	in.Risk = sug.Risk
	in.UseCase = sug.UseCase
	in, err = validateStoryInput(in)
	if err != nil {
		return domain.Story{}, err
	}
	applyInput(&story, in)
	return s.persist(ctx, userID, story)
}

// SaveDrafts persists generated drafts. Over-long text is cut to the field
// limits and a blank title is derived from the description.
func (s *StoryService) SaveDrafts(ctx context.Context, userID string, drafts []domain.Story) ([]domain.Story, error) {
	out := make([]domain.Story, 0, len(drafts))
	for _, d := range drafts {
		if err := ctx.Err(); err != nil {
			return out, newError(ErrorInternal, "request_cancelled", err)
		}
		in := fitDraft(inputFromStory(d))
		in, err := validateStoryInput(in)
		if err != nil {
			return out, err
		}
		saved, err := s.create(ctx, userID, in)
		if err != nil {
			return out, err
		}
		out = append(out, saved)
	}
	return out, nil
}

// Delete removes a story and then its conversation. A failed conversation
// cleanup is logged and does not fail the delete.
func (s *StoryService) Delete(ctx context.Context, userID, id string) error {
	ok, err := s.stories.Delete(ctx, userID, id)
	if err != nil {
		return newError(ErrorInternal, "story_delete_error", err)
	}
	if !ok {
		return notFound()
	}
	if err := s.conversations.DeleteConversation(ctx, id); err != nil {
		s.logger.ErrorContext(ctx, "failed to delete story conversation", "story_id", id, "err", err)
	}
	return nil
}

// ExportCSV writes every story owned by userID, most recently updated first.
func (s *StoryService) ExportCSV(ctx context.Context, userID string, w io.Writer) error {
	stories, err := s.List(ctx, userID)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return newError(ErrorInternal, "csv_write_error", err)
	}
	for _, st := range stories {
		if err := cw.Write(csvRow(st)); err != nil {
			return newError(ErrorInternal, "csv_write_error", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return newError(ErrorInternal, "csv_write_error", err)
	}
	return nil
}

// ImportResult counts the rows an import stored and the rows it passed over.
type ImportResult struct {
	Imported int
	Skipped  int
}

// ImportCSV creates a Draft story for every usable row of a file in the
// export layout. A leading header row is ignored. Rows with fewer than three
// columns, a blank title or content that fails validation are skipped.
// Points that do not parse default to 3 and the rest are clamped.
func (s *StoryService) ImportCSV(ctx context.Context, userID string, r io.Reader) (ImportResult, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true

	var res ImportResult
	first := true
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return res, nil
		}
		if err != nil {
			return res, newError(ErrorInvalidInput, "csv_malformed", err)
		}
		if first {
			first = false
			if len(rec) > 0 && strings.EqualFold(strings.TrimSpace(strings.TrimPrefix(rec[0], "\ufeff")), csvHeader[0]) {
				continue
			}
		}
		in, ok := inputFromRecord(rec)
		if !ok {
			res.Skipped++
			continue
		}
		in, err = validateStoryInput(in)
		if err != nil {
			res.Skipped++
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, newError(ErrorInternal, "request_cancelled", err)
		}
		if _, err := s.create(ctx, userID, in); err != nil {
			return res, err
		}
		res.Imported++
	}
}

// inputFromRecord reads one row in csvHeader order. Metadata that cannot be
// used as-is is dropped, the row itself is kept.
func inputFromRecord(rec []string) (StoryInput, bool) {
	if len(rec) < 3 {
		return StoryInput{}, false
	}
	col := func(i int) string {
		if i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}
	in := StoryInput{
		Title:              col(0),
		Description:        col(1),
		Points:             3,
		Area:               col(3),
		Iteration:          col(4),
		State:              col(5),
		AssignedTo:         col(6),
		AcceptanceCriteria: col(10),
		RelatedWorkItem:    col(11),
		UseCase:            col(12),
	}
	if in.Title == "" {
		return StoryInput{}, false
	}
	if p, err := strconv.Atoi(col(2)); err == nil {
		in.Points = p
	}
	if p, err := strconv.Atoi(col(7)); err == nil && p >= domain.MinPriority && p <= domain.MaxPriority {
		in.Priority = &p
	}
	if risk, ok := NormalizeRisk(col(8)); ok {
		in.Risk = risk
	}
	if t, ok := parseCSVDate(col(9)); ok {
		in.TargetDate = &t
	}
	return in, true
}

func parseCSVDate(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}

func (s *StoryService) persist(ctx context.Context, userID string, story domain.Story) (domain.Story, error) {
	ok, err := s.stories.Update(ctx, userID, story)
	if err != nil {
		return domain.Story{}, newError(ErrorInternal, "story_update_error", err)
	}
	if !ok {
		return domain.Story{}, notFound()
	}
	return s.Get(ctx, userID, story.ID)
}

func csvRow(s domain.Story) []string {
	priority := ""
	if s.Priority != nil {
		priority = strconv.Itoa(*s.Priority)
	}
	target := ""
	if s.TargetDate != nil {
		target = s.TargetDate.UTC().Format(time.DateOnly)
	}
	return []string{
		s.Title, s.Description, strconv.Itoa(s.Points), s.Area, s.Iteration, s.State, s.AssignedTo,
		priority, s.Risk, target, s.AcceptanceCriteria, s.RelatedWorkItem, s.UseCase,
	}
}

func (in StoryInput) hasMetadata() bool {
	return in.Area != "" || in.Iteration != "" || in.State != "" || in.AssignedTo != "" ||
		in.Priority != nil || in.Risk != "" || in.TargetDate != nil || in.AcceptanceCriteria != "" ||
		in.RelatedWorkItem != "" || in.UseCase != ""
}

func inputFromStory(s domain.Story) StoryInput {
	return StoryInput{
		Title:              s.Title,
		Description:        s.Description,
		Points:             s.Points,
		Area:               s.Area,
		Iteration:          s.Iteration,
		State:              s.State,
		AssignedTo:         s.AssignedTo,
		Priority:           s.Priority,
		Risk:               s.Risk,
		TargetDate:         s.TargetDate,
		AcceptanceCriteria: s.AcceptanceCriteria,
		RelatedWorkItem:    s.RelatedWorkItem,
		UseCase:            s.UseCase,
	}
}

func applyInput(s *domain.Story, in StoryInput) {
	s.Title = in.Title
	s.Description = in.Description
	s.Points = in.Points
	s.Area = in.Area
	s.Iteration = in.Iteration
	s.State = in.State
	s.AssignedTo = in.AssignedTo
	s.Priority = in.Priority
	s.Risk = in.Risk
	s.TargetDate = in.TargetDate
	s.AcceptanceCriteria = in.AcceptanceCriteria
	s.RelatedWorkItem = in.RelatedWorkItem
	s.UseCase = in.UseCase
}

func validateStoryInput(in StoryInput) (StoryInput, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	in.Area = strings.TrimSpace(in.Area)
	in.Iteration = strings.TrimSpace(in.Iteration)
	in.State = strings.TrimSpace(in.State)
	in.AssignedTo = strings.TrimSpace(in.AssignedTo)
	in.AcceptanceCriteria = strings.TrimSpace(in.AcceptanceCriteria)
	in.RelatedWorkItem = strings.TrimSpace(in.RelatedWorkItem)
	in.UseCase = strings.TrimSpace(in.UseCase)
	in.Points = domain.ClampPoints(in.Points)

	if in.Title == "" {
		return in, newError(ErrorInvalidInput, "title_required", nil)
	}
	limits := []struct {
		value  string
		max    int
		reason string
	}{
		{in.Title, domain.MaxTitleLen, "title_too_long"},
		{in.Description, domain.MaxDescriptionLen, "description_too_long"},
		{in.Area, domain.MaxPathLen, "area_too_long"},
		{in.Iteration, domain.MaxPathLen, "iteration_too_long"},
		{in.State, domain.MaxLabelLen, "state_too_long"},
		{in.AssignedTo, domain.MaxPathLen, "assigned_to_too_long"},
		{in.AcceptanceCriteria, domain.MaxAcceptanceCriteriaLen, "acceptance_criteria_too_long"},
		{in.RelatedWorkItem, domain.MaxPathLen, "related_work_item_too_long"},
		{in.UseCase, domain.MaxUseCaseLen, "use_case_too_long"},
	}
	for _, l := range limits {
		if utf8.RuneCountInString(l.value) > l.max {
			return in, newError(ErrorInvalidInput, l.reason, nil)
		}
	}
	if in.Priority != nil && (*in.Priority < domain.MinPriority || *in.Priority > domain.MaxPriority) {
		return in, newError(ErrorInvalidInput, "priority_out_of_range", nil)
	}
	if in.Risk != "" {
		risk, ok := NormalizeRisk(in.Risk)
		if !ok {
			return in, newError(ErrorInvalidInput, "risk_invalid", nil)
		}
		in.Risk = risk
	}
	return in, nil
}

func fitDraft(in StoryInput) StoryInput {
	if strings.TrimSpace(in.Title) == "" {
		in.Title = heuristic.Title(in.Description)
	}
	if strings.TrimSpace(in.Title) == "" {
		in.Title = "Untitled story"
	}
	in.Title = truncateRunes(strings.TrimSpace(in.Title), domain.MaxTitleLen)
	in.Description = truncateRunes(strings.TrimSpace(in.Description), domain.MaxDescriptionLen)
	in.AcceptanceCriteria = truncateRunes(strings.TrimSpace(in.AcceptanceCriteria), domain.MaxAcceptanceCriteriaLen)
	in.Area = truncateRunes(strings.TrimSpace(in.Area), domain.MaxPathLen)
	in.Iteration = truncateRunes(strings.TrimSpace(in.Iteration), domain.MaxPathLen)
	in.State = truncateRunes(strings.TrimSpace(in.State), domain.MaxLabelLen)
	in.UseCase = truncateRunes(strings.TrimSpace(in.UseCase), domain.MaxUseCaseLen)
	return in
}

// truncateRunes keeps at most n runes of s.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
