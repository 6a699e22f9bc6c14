package ids

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJobID_StableAcrossKeyOrder(t *testing.T) {
	a, err := JobID("helloworld", json.RawMessage(`{"n":3,"message":"hi"}`))
	require.NoError(t, err)
	b, err := JobID("helloworld", json.RawMessage(`{"message":"hi","n":3}`))
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestJobID_DiffersByJobType(t *testing.T) {
	params := json.RawMessage(`{"n":3}`)
	a, err := JobID("helloworld", params)
	require.NoError(t, err)
	b, err := JobID("vectoringest", params)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

// LineageID takes no version_id argument, so every version of one
// (platform, dataset, resource) derives the lineage these two calls do.
func TestLineageID_ExcludesVersionID(t *testing.T) {
	a := LineageID("p", "d", "r")
	b := LineageID("p", "d", "r")
	require.Equal(t, a, b)
}
