// Package heuristic turns raw requirement text into draft stories without
// calling a language model.
package heuristic

import (
	"regexp"
	"strings"

	"virtual-product-owner/internal/domain"
)

const (
	maxTitleWords = 8
	wordsPerPoint = 12

	genericTitle       = "Generic story"
	genericDescription = "As a user I want a default story so that I can see an example."
	genericPoints      = 3
	untitledTitle      = "Untitled story"
)

var (
	lineBreak   = regexp.MustCompile(`\r?\n`)
	wordPattern = regexp.MustCompile(`[\p{L}\p{N}_]+`)
	strongWords = regexp.MustCompile(`(?i)\b(must|required|critical)\b`)
	softWords   = regexp.MustCompile(`(?i)\b(should|important)\b`)
)

// Generate splits text into one draft story per non-blank line. The result
// depends only on its arguments. Timestamps and ids are left for the caller
// to assign when persisting.
func Generate(userID, text string) []domain.Story {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return []domain.Story{draft(userID, genericTitle, genericDescription, genericPoints)}
	}

	var out []domain.Story
	for _, line := range lineBreak.Split(trimmed, -1) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, draft(userID, Title(line), line, EstimatePoints(line)))
	}
	if len(out) == 0 {
		out = append(out, draft(userID, untitledTitle, trimmed, EstimatePoints(trimmed)))
	}
	return out
}

// Title keeps at most the first eight whitespace-separated tokens of line.
func Title(line string) string {
	words := strings.Fields(line)
	if len(words) > maxTitleWords {
		words = words[:maxTitleWords]
	}
	return strings.Join(words, " ")
}

// EstimatePoints sizes a line by word count, one point per twelve words,
// then bumps it for requirement keywords. A "must" style keyword wins over
// a "should" style one; the two bonuses never stack.
func EstimatePoints(line string) int {
	words := len(wordPattern.FindAllString(line, -1))
	points := domain.ClampPoints((words + wordsPerPoint - 1) / wordsPerPoint)
	switch {
	case strongWords.MatchString(line):
		points = domain.ClampPoints(points + 2)
	case softWords.MatchString(line):
		points = domain.ClampPoints(points + 1)
	}
	return points
}

func draft(userID, title, description string, points int) domain.Story {
	return domain.Story{
		UserID:      userID,
		Title:       title,
		Description: description,
		Points:      points,
		Approval:    domain.Draft,
	}
}
