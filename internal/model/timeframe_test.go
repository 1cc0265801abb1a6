package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func TestTimeframe_Floor(t *testing.T) {
	cases := []struct {
		tf   Timeframe
		in   string
		want string
	}{
		{TF1h, "2024-03-05T13:47:12Z", "2024-03-05T13:00:00Z"},
		{TF4h, "2024-03-05T13:47:12Z", "2024-03-05T12:00:00Z"},
		{TF1d, "2024-03-05T13:47:12Z", "2024-03-05T00:00:00Z"},
		{TF1w, "2024-03-07T13:47:12Z", "2024-03-04T00:00:00Z"}, // Thursday -> Monday
		{TF1w, "2024-03-04T00:00:00Z", "2024-03-04T00:00:00Z"},
		{TF1w, "2024-03-10T23:59:59Z", "2024-03-04T00:00:00Z"}, // Sunday
		{TF1M, "2024-02-29T10:00:00Z", "2024-02-01T00:00:00Z"},
	}
	for _, c := range cases {
		assert.Equal(t, ts(c.want), c.tf.Floor(ts(c.in)), "%s floor of %s", c.tf, c.in)
	}
}

func TestTimeframe_NextPrevSteps(t *testing.T) {
	assert.Equal(t, ts("2024-03-01T00:00:00Z"), TF1M.Next(ts("2024-02-14T00:00:00Z")))
	assert.Equal(t, ts("2023-12-01T00:00:00Z"), TF1M.Prev(ts("2024-01-01T00:00:00Z")))
	assert.Equal(t, ts("2024-01-01T01:00:00Z"), TF1h.Next(ts("2024-01-01T00:00:00Z")))

	assert.Equal(t, 24, TF1h.Steps(ts("2024-01-01T00:00:00Z"), ts("2024-01-02T00:00:00Z")))
	assert.Equal(t, 25, TF1h.Steps(ts("2024-01-01T00:00:00Z"), ts("2024-01-02T00:00:01Z")))
	assert.Equal(t, 12, TF1M.Steps(ts("2024-01-01T00:00:00Z"), ts("2025-01-01T00:00:00Z")))
	assert.Equal(t, 0, TF1h.Steps(ts("2024-01-02T00:00:00Z"), ts("2024-01-01T00:00:00Z")))
}

func TestTimeframe_ClosedAt(t *testing.T) {
	open := ts("2024-01-01T10:00:00Z")
	assert.False(t, TF1h.ClosedAt(open, ts("2024-01-01T10:59:59Z")))
	assert.True(t, TF1h.ClosedAt(open, ts("2024-01-01T11:00:00Z")))
}

func TestParseTimeframes(t *testing.T) {
	tfs, err := ParseTimeframes("1h, 4h,1d,,1M")
	require.NoError(t, err)
	assert.Equal(t, []Timeframe{TF1h, TF4h, TF1d, TF1M}, tfs)

	_, err = ParseTimeframes("1h,7h")
	assert.Error(t, err)
}

func TestCandleError_Unwraps(t *testing.T) {
	var err error = &CandleError{Index: 3, OpenTime: ts("2024-01-01T00:00:00Z"), Reason: "high < low"}
	assert.True(t, errors.Is(err, ErrInvalidCandle))
	assert.Contains(t, err.Error(), "high < low")
}
