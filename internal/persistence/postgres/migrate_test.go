package postgres

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsComplete(t *testing.T) {
	entries, err := migrationFS.ReadDir("migrations")
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	assert.Equal(t, []string{
		"0001_ohlcv.sql",
		"0002_dataset_splits.sql",
		"0003_tick_data.sql",
		"0004_btr_states.sql",
		"0005_quality_scores.sql",
	}, names)
}

func TestChecksumIsStableAndSensitive(t *testing.T) {
	body, err := migrationFS.ReadFile("migrations/0001_ohlcv.sql")
	require.NoError(t, err)

	a := checksumOf(body)
	b := checksumOf(body)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	mutated := append(append([]byte(nil), body...), ' ')
	assert.NotEqual(t, a, checksumOf(mutated),
		"any byte change must change the recorded checksum")
}
