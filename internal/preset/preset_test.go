package preset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	aberrors "github.com/SpillwaveSolutions/agent-brain/internal/errors"
)

func TestResolve_SingleFamily(t *testing.T) {
	patterns, err := Resolve([]string{"go"})
	require.NoError(t, err)
	assert.Equal(t, []string{"*.go"}, patterns)
}

func TestResolve_PreservesFirstOccurrenceOrder(t *testing.T) {
	patterns, err := Resolve([]string{"docs", "python"})
	require.NoError(t, err)
	assert.Equal(t, "*.md", patterns[0])
	assert.Contains(t, patterns, "*.py")
}

func TestResolve_Idempotent(t *testing.T) {
	a, err := Resolve([]string{"python", "docs", "python"})
	require.NoError(t, err)
	b, err := Resolve([]string{"python", "docs"})
	require.NoError(t, err)
	assert.Equal(t, b, a)
}

func TestResolve_DeduplicatesAcrossPresets(t *testing.T) {
	// "code" already contains *.py; union with "python" must not repeat it.
	patterns, err := Resolve([]string{"code", "python"})
	require.NoError(t, err)
	count := 0
	for _, p := range patterns {
		if p == "*.py" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestResolve_UnknownNameListsAllValid(t *testing.T) {
	_, err := Resolve([]string{"python", "bogus"})
	require.Error(t, err)
	assert.True(t, aberrors.IsKind(err, aberrors.KindConfiguration))

	var be *aberrors.BrainError
	require.ErrorAs(t, err, &be)
	assert.Contains(t, be.Message, "bogus")
	for _, name := range Names() {
		assert.Contains(t, be.Hint, name)
	}
}

func TestResolve_SingleErrorForMultipleUnknowns(t *testing.T) {
	_, err := Resolve([]string{"bogus1", "bogus2"})
	require.Error(t, err)
	var be *aberrors.BrainError
	require.ErrorAs(t, err, &be)
	assert.Contains(t, be.Message, "bogus1")
	assert.Contains(t, be.Message, "bogus2")
}

func TestNames_SortedAndComplete(t *testing.T) {
	names := Names()
	assert.Contains(t, names, "python")
	assert.Contains(t, names, "pdf")
	assert.IsIncreasing(t, names)
}
