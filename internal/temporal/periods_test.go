package temporal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/geebatch/pkg/types"
)

func date(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := ParseDate(s)
	require.NoError(t, err)
	return d
}

func TestPartitionTenDaysStepFour(t *testing.T) {
	periods, err := Partition(date(t, "2023-01-01"), date(t, "2023-01-10"), 4)
	require.NoError(t, err)
	require.Len(t, periods, 3)

	want := []struct {
		id         int
		start, end string
	}{
		{1, "2023-01-01", "2023-01-05"},
		{2, "2023-01-05", "2023-01-09"},
		{3, "2023-01-09", "2023-01-10"},
	}
	for i, w := range want {
		assert.Equal(t, w.id, periods[i].ID)
		assert.Equal(t, w.start, periods[i].Start.Format(DateLayout))
		assert.Equal(t, w.end, periods[i].End.Format(DateLayout))
	}
	assert.Equal(t, 1, periods[2].Days())
	assert.Equal(t, "2023-01-09..2023-01-10", Label(periods[2]))
}

func TestPartitionCoversRange(t *testing.T) {
	tests := []struct {
		name       string
		start, end string
		step       int
		wantCount  int
	}{
		{"single day", "2023-03-01", "2023-03-02", 16, 1},
		{"step larger than range", "2023-01-01", "2023-01-05", 30, 1},
		{"exact multiple", "2023-01-01", "2023-01-31", 10, 3},
		{"leap year", "2024-02-01", "2024-03-01", 7, 5},
		{"whole year by 30", "2023-01-01", "2023-12-31", 30, 13},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end := date(t, tt.start), date(t, tt.end)
			periods, err := Partition(start, end, tt.step)
			require.NoError(t, err)
			require.Len(t, periods, tt.wantCount)

			assert.Equal(t, start, periods[0].Start)
			assert.Equal(t, end, periods[len(periods)-1].End)
			for i, p := range periods {
				assert.Equal(t, i+1, p.ID)
				assert.True(t, p.Start.Before(p.End))
				assert.LessOrEqual(t, p.Days(), tt.step)
				if i > 0 {
					assert.Equal(t, periods[i-1].End, p.Start, "periods must be contiguous")
				}
			}
		})
	}
}

func TestPartitionErrors(t *testing.T) {
	jan1, jan10 := date(t, "2023-01-01"), date(t, "2023-01-10")

	_, err := Partition(jan10, jan1, 4)
	assert.ErrorIs(t, err, types.ErrInvalidDateRange)

	_, err = Partition(jan1, jan1, 4)
	assert.ErrorIs(t, err, types.ErrInvalidDateRange)

	_, err = Partition(jan1, jan10, 0)
	assert.ErrorIs(t, err, types.ErrInvalidParameter)

	_, err = Partition(jan1, jan10, -3)
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
}

func TestPartitionWidensToWholeDays(t *testing.T) {
	start := time.Date(2023, 1, 1, 15, 30, 0, 0, time.UTC)
	end := time.Date(2023, 1, 3, 1, 0, 0, 0, time.UTC)

	periods, err := Partition(start, end, 1)
	require.NoError(t, err)
	require.Len(t, periods, 3)
	assert.Equal(t, date(t, "2023-01-01"), periods[0].Start)
	assert.Equal(t, date(t, "2023-01-04"), periods[2].End)
}

func TestPartitionSameDayMidDayEnd(t *testing.T) {
	start := date(t, "2023-01-01")
	end := time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)

	periods, err := Partition(start, end, 30)
	require.NoError(t, err)
	require.Len(t, periods, 1)
	assert.Equal(t, start, periods[0].Start)
	assert.Equal(t, date(t, "2023-01-02"), periods[0].End)
	assert.Equal(t, 1, periods[0].Days())
}

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2023-06-15")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, d.Location())

	for _, bad := range []string{"", "2023/06/15", "15-06-2023", "2023-13-01"} {
		_, err := ParseDate(bad)
		assert.ErrorIs(t, err, types.ErrInvalidParameter, bad)
	}
}
