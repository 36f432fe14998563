package heuristic

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerate_EmptyInput(t *testing.T) {
	for _, in := range []string{"", "   ", " \t \n  \r\n "} {
		stories := Generate("u", in)
		require.Len(t, stories, 1)
		require.Equal(t, "Generic story", stories[0].Title)
		require.Equal(t, genericDescription, stories[0].Description)
		require.Equal(t, 3, stories[0].Points)
		require.Equal(t, "u", stories[0].UserID)
	}
}

func TestGenerate_OneStoryPerLine(t *testing.T) {
	in := "First requirement line\r\n\n   \n  Second one here  \nthird"
	stories := Generate("u", in)
	require.Len(t, stories, 3)
	require.Equal(t, "First requirement line", stories[0].Description)
	require.Equal(t, "Second one here", stories[1].Description)
	require.Equal(t, "third", stories[2].Title)
}

func TestGenerate_TitleAtMostEightWords(t *testing.T) {
	line := "As a power user I want an extremely descriptive and very detailed title"
	s := Generate("u", line)[0]
	require.Equal(t, "As a power user I want an extremely", s.Title)
	require.LessOrEqual(t, len(strings.Fields(s.Title)), 8)
	require.Equal(t, line, s.Description)
}

func TestGenerate_Deterministic(t *testing.T) {
	in := "As a user I want to search products\nIt must be fast"
	require.Equal(t, Generate("det", in), Generate("det", in))
}

func TestEstimatePoints(t *testing.T) {
	cases := []struct {
		name string
		line string
		want int
	}{
		{name: "short", line: "add login", want: 1},
		{name: "twelve words", line: "one two three four five six seven eight nine ten eleven twelve", want: 1},
		{name: "thirteen words", line: "one two three four five six seven eight nine ten eleven twelve thirteen", want: 2},
		{name: "must bonus", line: "login MUST work", want: 3},
		{name: "required bonus", line: "SSO is required", want: 3},
		{name: "should bonus", line: "it Should be quick", want: 2},
		{name: "important bonus", line: "this is important", want: 2},
		{name: "must wins over should", line: "it must and should work", want: 3},
		{name: "substring does not count", line: "mustard shoulder", want: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, EstimatePoints(tc.line))
		})
	}
}

func TestEstimatePoints_CriticalLongLineClampsToThirteen(t *testing.T) {
	line := "critical " + strings.Repeat("word ", 160)
	require.Equal(t, 13, EstimatePoints(line))
	require.Equal(t, 13, Generate("u", line)[0].Points)
}
