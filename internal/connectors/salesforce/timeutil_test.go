package salesforce

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeNoColonOffset(t *testing.T) {
	// The REST API emits zone offsets without a colon, which RFC3339
	// rejects.
	got, err := ParseTime("2025-03-14T09:30:15.000+0000")
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2025, 3, 14, 9, 30, 15, 0, time.UTC)))

	got, err = ParseTime("2025-03-14T09:30:15-0500")
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2025, 3, 14, 14, 30, 15, 0, time.UTC)))
}

func TestParseTimeRFC3339(t *testing.T) {
	got, err := ParseTime("2025-03-14T09:30:15Z")
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2025, 3, 14, 9, 30, 15, 0, time.UTC)))
}

func TestParseTimeRejectsGarbage(t *testing.T) {
	_, err := ParseTime("last tuesday")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unrecognized platform timestamp")
}

func TestParseTimePtr(t *testing.T) {
	got, err := ParseTimePtr("")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = ParseTimePtr("2025-03-14T09:30:15.250+0000")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 250000000, got.Nanosecond())

	_, err = ParseTimePtr("not a timestamp")
	require.Error(t, err)
}
