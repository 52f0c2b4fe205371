// Package eventlog appends impact events to a CSV file.
package eventlog

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/teslashibe/floorwatch/internal/detector"
)

// Header is the first row of a new log file.
var Header = []string{"Time", "dB(L)", "dB(R)", "SNR(L)", "SNR(R)", "Direction"}

// TimeFormat is the layout of the Time column.
const TimeFormat = "2006-01-02 15:04:05"

// CSV is a pipeline sink writing one row per event. Every row is flushed
// so the file stays readable after a power cut.
type CSV struct {
	path string

	mu   sync.Mutex
	file *os.File
	w    *csv.Writer
	rows int
}

// Open opens path for appending, creating it and its directory when
// missing. The header is written only to an empty file.
func Open(path string) (*CSV, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("eventlog: create directory: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("eventlog: stat %s: %w", path, err)
	}

	l := &CSV{path: path, file: file, w: csv.NewWriter(file)}
	if info.Size() == 0 {
		if err := l.write(Header); err != nil {
			file.Close()
			return nil, err
		}
	}
	return l, nil
}

// Name implements pipeline.Sink.
func (l *CSV) Name() string { return "csv" }

// Handle implements pipeline.Sink.
func (l *CSV) Handle(_ context.Context, ev detector.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("eventlog: %s is closed", l.path)
	}
	if err := l.write(Row(ev)); err != nil {
		return err
	}
	l.rows++
	return nil
}

func (l *CSV) write(record []string) error {
	if err := l.w.Write(record); err != nil {
		return fmt.Errorf("eventlog: write: %w", err)
	}
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		return fmt.Errorf("eventlog: flush: %w", err)
	}
	return nil
}

// Row formats ev as a log row. Mono events leave the right channel
// columns empty.
func Row(ev detector.Event) []string {
	row := []string{ev.Timestamp.Format(TimeFormat), "", "", "", "", string(ev.Direction)}
	for c := 0; c < len(ev.Levels) && c < 2; c++ {
		row[1+c] = formatDB(ev.Levels[c])
		if c < len(ev.SNRs) {
			row[3+c] = formatDB(ev.SNRs[c])
		}
	}
	return row
}

func formatDB(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}

// Rows returns the number of events written since Open.
func (l *CSV) Rows() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rows
}

// Close flushes and closes the file.
func (l *CSV) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	l.w.Flush()
	err := l.file.Close()
	l.file = nil
	return err
}
