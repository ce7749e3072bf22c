package distribution_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/plumtuna/plumtuna/internal/distribution"
)

func TestValidateNumericRanges(t *testing.T) {
	for _, kind := range []distribution.Kind{distribution.Uniform, distribution.LogUniform, distribution.IntUniform} {
		require.NoError(t, distribution.Distribution{Kind: kind, Low: 0, High: 1}.Validate())
		require.Error(t, distribution.Distribution{Kind: kind, Low: 2, High: 1}.Validate())
	}
}

func TestValidateCategoricalRequiresChoices(t *testing.T) {
	require.Error(t, distribution.Distribution{Kind: distribution.Categorical}.Validate())
	require.NoError(t, distribution.Distribution{
		Kind:    distribution.Categorical,
		Choices: []string{"a", "b"},
	}.Validate())
}

func TestValidateRejectsUnknownKind(t *testing.T) {
	require.Error(t, distribution.Distribution{Kind: "bogus"}.Validate())
}
