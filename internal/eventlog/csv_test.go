package eventlog

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/floorwatch/internal/detector"
	"github.com/teslashibe/floorwatch/internal/doa"
)

func stereoEvent(ts time.Time) detector.Event {
	return detector.Event{
		ID:        "e1",
		Timestamp: ts,
		Levels:    []float64{72.14, 70.05},
		SNRs:      []float64{18.0, 17.46},
		Direction: doa.Left,
	}
}

func readAll(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return records
}

func TestCSV_WritesHeaderAndRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "floor_noise_log.csv")
	l, err := Open(path)
	require.NoError(t, err)

	ts := time.Date(2026, 2, 3, 23, 4, 5, 0, time.Local)
	require.NoError(t, l.Handle(context.Background(), stereoEvent(ts)))
	require.NoError(t, l.Close())

	records := readAll(t, path)
	require.Len(t, records, 2)
	assert.Equal(t, Header, records[0])
	assert.Equal(t, []string{"2026-02-03 23:04:05", "72.1", "70.0", "18.0", "17.5", "LEFT"}, records[1])
}

func TestCSV_AppendsWithoutSecondHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.csv")
	ts := time.Now()

	for i := 0; i < 2; i++ {
		l, err := Open(path)
		require.NoError(t, err)
		require.NoError(t, l.Handle(context.Background(), stereoEvent(ts)))
		assert.Equal(t, 1, l.Rows())
		require.NoError(t, l.Close())
	}

	records := readAll(t, path)
	assert.Len(t, records, 3)
}

func TestRow_Mono(t *testing.T) {
	ev := detector.Event{
		Timestamp: time.Date(2026, 2, 3, 1, 2, 3, 0, time.Local),
		Levels:    []float64{65},
		SNRs:      []float64{12.25},
		Direction: doa.Unknown,
	}
	assert.Equal(t, []string{"2026-02-03 01:02:03", "65.0", "", "12.2", "", "UNKNOWN"}, Row(ev))
}

func TestCSV_HandleAfterClose(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "log.csv"))
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	assert.Error(t, l.Handle(context.Background(), stereoEvent(time.Now())))
	assert.Equal(t, "csv", l.Name())
}
