package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeParam(t *testing.T) {
	got, err := timeParam("start", "", false)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = timeParam("start", "2026-04-03T10:05:00+07:00", false)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 4, 3, 3, 5, 0, 0, time.UTC), *got)

	got, err = timeParam("end", "2026-04-03", true)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 4, 4, 0, 0, 0, 0, time.UTC), *got)

	_, err = timeParam("end", "yesterday", true)
	var verr *ValidationErrors
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "end", verr.Errors[0].Field)
}

func TestTimeRangeRejectsInvertedWindow(t *testing.T) {
	from, to, err := timeRange("start", "2026-04-01", "end", "2026-04-01")
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, to.Sub(*from))

	_, _, err = timeRange("start", "2026-04-02T00:00:00Z", "end", "2026-04-01T00:00:00Z")
	var verr *ValidationErrors
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "invalid_range", verr.Errors[0].Code)
}

func TestIDParam(t *testing.T) {
	id, err := idParam("id", " 1234 ")
	require.NoError(t, err)
	assert.EqualValues(t, 1234, id)

	for _, raw := range []string{"", "0", "-5", "abc"} {
		_, err := idParam("id", raw)
		assert.Error(t, err, raw)
	}
}
