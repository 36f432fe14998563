package usecase

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"virtual-product-owner/internal/domain"
)

// canonicalStory fixes the field order used whenever a story is shown to the
// model or stored as a fallback suggestion.
type canonicalStory struct {
	Title              string `json:"title"`
	Description        string `json:"description"`
	Points             int    `json:"points"`
	AcceptanceCriteria string `json:"acceptanceCriteria"`
}

// BuildGenerationPrompt asks the model for a batch of stories derived from
// context.
func BuildGenerationPrompt(context string) string {
	return strings.Join([]string{
		"Role:",
		"You are a Product Owner assistant turning raw requirements into user stories.",
		"",
		"Context:",
		context,
		"",
		"Task:",
		"Generate detailed user stories in JSON format. Return one JSON object with a \"stories\" array.",
		"Each element has the keys title, description, points, acceptanceCriteria, area, iteration, state, priority, risk, useCase.",
		"",
		"Rules:",
		generationRules(),
		"",
		"Example:",
		`{"stories":[{"title":"Reset password by email","description":"As a user, I want to reset my password by email, so that I can get back into my account","points":5,"acceptanceCriteria":"Given I forgot my password; When I request a reset; Then I receive a reset link","area":"Authentication","iteration":"","state":"New","priority":2,"risk":"Medium","useCase":"Password recovery"}]}`,
	}, "\n")
}

// BuildRefinementPrompt asks the model to revise a single story given the
// conversation so far.
func BuildRefinementPrompt(feedback, storyJSON string) string {
	return strings.Join([]string{
		"Role:",
		"You are a Product Owner assistant. Refine the provided user story using the feedback below.",
		"",
		"Feedback:",
		feedback,
		"",
		"Current story JSON:",
		storyJSON,
		"",
		"Task:",
		"Return a single JSON object with the keys title, description, points, acceptanceCriteria, area, priority, risk, useCase.",
		"Omit a key to keep the current value.",
		"",
		"Rules:",
		refinementRules(),
	}, "\n")
}

func generationRules() string {
	return strings.Join([]string{
		"- points: an integer from 1-13 (Fibonacci: 1, 2, 3, 5, 8, 13) reflecting effort and complexity",
		"- title: concise, under 80 characters",
		"- description: \"As a ..., I want ..., so that ...\" when feasible",
		"- acceptanceCriteria: Given-When-Then or bullets separated by ';'",
		"- state: always \"New\"",
		"- priority: 1 (highest) to 4 (lowest)",
		"- risk: one of Low, Medium, High",
		"- iteration: only when named in the context",
		"- useCase: leave empty when unclear",
	}, "\n")
}

func refinementRules() string {
	return strings.Join([]string{
		"- points: an integer from 1-13 (Fibonacci)",
		"- title: concise and descriptive",
		"- description: \"As a ..., I want ..., so that ...\" when feasible",
		"- acceptanceCriteria: Given-When-Then or bullets separated by ';'",
		"- priority: 1 (highest) to 4 (lowest)",
		"- risk: one of Low, Medium, High",
	}, "\n")
}

// CanonicalJSON renders the title, description, points and acceptance
// criteria of s in a stable key order.
func CanonicalJSON(s domain.RefinedSuggestion) (string, error) {
	return encodeCompact(canonicalStory{
		Title:              s.Title,
		Description:        s.Description,
		Points:             s.Points,
		AcceptanceCriteria: s.AcceptanceCriteria,
	})
}

// SuggestionJSON renders a full suggestion, including optional metadata, for
// storage in an assistant message.
func SuggestionJSON(s domain.RefinedSuggestion) (string, error) {
	return encodeCompact(s)
}

func encodeCompact(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("usecase: encode story json: %w", err)
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}
