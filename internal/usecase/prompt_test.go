package usecase

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"virtual-product-owner/internal/domain"
)

func TestBuildGenerationPrompt(t *testing.T) {
	p := BuildGenerationPrompt("Customers need to track orders")

	for _, want := range []string{
		"Product Owner assistant",
		"Context:\nCustomers need to track orders",
		"Generate detailed user stories in JSON format",
		`"stories"`,
		"1-13",
		"Fibonacci",
		"Given-When-Then",
	} {
		require.Contains(t, p, want)
	}
	require.Less(t, strings.Index(p, "Role:"), strings.Index(p, "Context:"))
	require.Less(t, strings.Index(p, "Task:"), strings.Index(p, "Rules:"))
	require.Less(t, strings.Index(p, "Rules:"), strings.Index(p, "Example:"))
}

func TestBuildRefinementPrompt(t *testing.T) {
	p := BuildRefinementPrompt("History:\n[user] smaller please", `{"title":"Login"}`)

	require.Contains(t, p, "Refine the provided user story")
	require.Contains(t, p, "Feedback:\nHistory:\n[user] smaller please")
	require.Contains(t, p, "Current story JSON:\n{\"title\":\"Login\"}")
	require.Contains(t, p, "Return a single JSON object")
	require.Contains(t, p, "Omit a key to keep the current value.")
}

func TestCanonicalJSON_FixedOrderNoEscaping(t *testing.T) {
	prio := 1
	got, err := CanonicalJSON(domain.RefinedSuggestion{
		Title:              "Checkout <fast> & safe",
		Description:        "d",
		Points:             8,
		AcceptanceCriteria: "ac",
		Priority:           &prio,
		Risk:               "High",
	})
	require.NoError(t, err)
	require.Equal(t, `{"title":"Checkout <fast> & safe","description":"d","points":8,"acceptanceCriteria":"ac"}`, got)
}

func TestSuggestionJSON_OmitsEmptyMetadata(t *testing.T) {
	got, err := SuggestionJSON(domain.RefinedSuggestion{Title: "t", Points: 2})
	require.NoError(t, err)
	require.Equal(t, `{"title":"t","description":"","points":2,"acceptanceCriteria":""}`, got)

	prio := 3
	got, err = SuggestionJSON(domain.RefinedSuggestion{Title: "t", Points: 2, Area: "Core", Priority: &prio, Risk: "Low", UseCase: "uc"})
	require.NoError(t, err)
	require.Equal(t, `{"title":"t","description":"","points":2,"acceptanceCriteria":"","area":"Core","priority":3,"risk":"Low","useCase":"uc"}`, got)
}
