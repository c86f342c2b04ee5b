package semcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExclusionList_NilSafe(t *testing.T) {
	var el *ExclusionList
	assert.False(t, el.Matches("gpt-4o"))
	assert.Zero(t, el.Len())
}

func TestExclusionList_Rules(t *testing.T) {
	el, err := NewExclusionList([]string{"gemini-pro", ""}, []string{`^o1-`, ""})
	require.NoError(t, err)
	assert.Equal(t, 2, el.Len())

	cases := []struct {
		model string
		want  bool
	}{
		{"gemini-pro", true},
		{"GEMINI-PRO", false},
		{"o1-preview", true},
		{"gpt-o1-mini", false},
		{"gpt-4o", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, el.Matches(c.model), c.model)
	}
}

func TestExclusionList_InvalidPattern(t *testing.T) {
	_, err := NewExclusionList(nil, []string{`(unclosed`})
	assert.Error(t, err)
}
