package usecase

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"virtual-product-owner/internal/domain"
)

const defaultGeneratedPoints = 3

// ParsedRefinement holds the fields a model reply actually supplied. A nil
// field was absent, mistyped, or out of range and keeps the current value
// when merged.
type ParsedRefinement struct {
	Title              *string
	Description        *string
	Points             *int
	AcceptanceCriteria *string
	Area               *string
	Priority           *int
	Risk               *string
	UseCase            *string
}

// ParseRefinement validates a refinement reply. An error means the reply is
// unusable as a whole.
func ParseRefinement(raw string) (ParsedRefinement, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return ParsedRefinement{}, err
	}
	out := ParsedRefinement{
		Title:              textField(obj, "title"),
		Description:        textField(obj, "description"),
		AcceptanceCriteria: textField(obj, "acceptanceCriteria"),
		Area:               textField(obj, "area"),
		Risk:               riskField(obj, "risk"),
		UseCase:            textField(obj, "useCase"),
		Priority:           priorityField(obj, "priority"),
	}
	if p := intField(obj, "points"); p != nil {
		clamped := domain.ClampPoints(*p)
		out.Points = &clamped
	}
	return out, nil
}

// Merge overlays the supplied fields on the current story content.
func (p ParsedRefinement) Merge(current domain.Story) domain.RefinedSuggestion {
	s := domain.SuggestionFrom(current)
	if p.Title != nil {
		s.Title = *p.Title
	}
	if p.Description != nil {
		s.Description = *p.Description
	}
	if p.Points != nil {
		s.Points = *p.Points
	}
	if p.AcceptanceCriteria != nil {
		s.AcceptanceCriteria = *p.AcceptanceCriteria
	}
	if p.Area != nil {
		s.Area = *p.Area
	}
	if p.Priority != nil {
		v := *p.Priority
		s.Priority = &v
	}
	if p.Risk != nil {
		s.Risk = *p.Risk
	}
	if p.UseCase != nil {
		s.UseCase = *p.UseCase
	}
	return s
}

// ParseGeneration validates a generation reply. The batch is all or nothing:
// a missing stories array or any non-object element rejects every story.
func ParseGeneration(userID, raw string) ([]domain.Story, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	rawStories, ok := obj["stories"]
	if !ok {
		return nil, errors.New("usecase: generation reply has no stories array")
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(rawStories, &elems); err != nil || elems == nil {
		return nil, errors.New("usecase: generation reply stories is not an array")
	}

	stories := make([]domain.Story, 0, len(elems))
	for i, elem := range elems {
		var fields map[string]json.RawMessage
		if err := unmarshalNumbers(elem, &fields); err != nil || fields == nil {
			return nil, fmt.Errorf("usecase: generation reply story %d is not an object", i)
		}
		stories = append(stories, storyFromFields(userID, fields))
	}
	return stories, nil
}

func storyFromFields(userID string, f map[string]json.RawMessage) domain.Story {
	s := domain.Story{
		UserID:             userID,
		Title:              textOr(f, "title", ""),
		Description:        textOr(f, "description", ""),
		Points:             defaultGeneratedPoints,
		AcceptanceCriteria: textOr(f, "acceptanceCriteria", ""),
		Area:               textOr(f, "area", ""),
		Iteration:          textOr(f, "iteration", ""),
		State:              textOr(f, "state", domain.DefaultState),
		UseCase:            textOr(f, "useCase", ""),
		Priority:           priorityField(f, "priority"),
		Approval:           domain.Draft,
	}
	if p := intField(f, "points"); p != nil {
		s.Points = *p
	}
	s.Points = domain.ClampPoints(s.Points)
	if r := riskField(f, "risk"); r != nil {
		s.Risk = *r
	}
	if strings.TrimSpace(s.State) == "" {
		s.State = domain.DefaultState
	}
	return s
}

// decodeObject reads exactly one JSON object, tolerating a surrounding
// markdown code fence.
func decodeObject(raw string) (map[string]json.RawMessage, error) {
	body := stripCodeFence(strings.TrimSpace(raw))
	if body == "" {
		return nil, errors.New("usecase: empty model reply")
	}
	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	var obj map[string]json.RawMessage
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("usecase: decode model reply: %w", err)
	}
	if obj == nil {
		return nil, errors.New("usecase: model reply is not an object")
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return nil, errors.New("usecase: decode model reply: multiple JSON values")
		}
		return nil, fmt.Errorf("usecase: decode model reply trailing data: %w", err)
	}
	return obj, nil
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		return ""
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func unmarshalNumbers(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func textField(f map[string]json.RawMessage, key string) *string {
	v, ok := f[key]
	if !ok || isNull(v) {
		return nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return nil
	}
	return &s
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

func textOr(f map[string]json.RawMessage, key, def string) string {
	if s := textField(f, key); s != nil {
		return *s
	}
	return def
}

// intField reads a bare JSON number with an integral value, so 5, 5.0 and
// 5e0 all give 5. Values beyond the int32 range saturate; callers clamp or
// range-check the result.
func intField(f map[string]json.RawMessage, key string) *int {
	v, ok := f[key]
	if !ok || isNull(v) {
		return nil
	}
	// json.Number also accepts numeric strings; only bare numbers count.
	if t := bytes.TrimSpace(v); len(t) > 0 && t[0] == '"' {
		return nil
	}
	var n json.Number
	if err := unmarshalNumbers(v, &n); err != nil {
		return nil
	}
	x, err := n.Float64()
	if err != nil && !math.IsInf(x, 0) {
		return nil
	}
	if math.IsNaN(x) || x != math.Trunc(x) {
		return nil
	}
	out := math.MinInt32
	switch {
	case x >= math.MaxInt32:
		out = math.MaxInt32
	case x > math.MinInt32:
		out = int(x)
	}
	return &out
}

func priorityField(f map[string]json.RawMessage, key string) *int {
	p := intField(f, key)
	if p == nil || *p < domain.MinPriority || *p > domain.MaxPriority {
		return nil
	}
	return p
}

func riskField(f map[string]json.RawMessage, key string) *string {
	r := textField(f, key)
	if r == nil {
		return nil
	}
	norm, ok := NormalizeRisk(*r)
	if !ok {
		return nil
	}
	return &norm
}

// NormalizeRisk maps a case-insensitive risk label onto Low, Medium or High.
func NormalizeRisk(v string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "low":
		return "Low", true
	case "medium":
		return "Medium", true
	case "high":
		return "High", true
	}
	return "", false
}
