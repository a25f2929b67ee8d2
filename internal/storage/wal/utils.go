package wal

// ============================================================================
// WAL utilities
// Responsibility: inspection and maintenance helpers used by the queue server
// and the status command
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// GetLastEvent scans the file and returns the last decodable event.
// Returns ErrEmptyWAL when the file has no events.
func GetLastEvent(path string) (*Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var last *Event
	for {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			break
		}
		e := event
		last = &e
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents counts events in the file, including ones replay would skip.
func CountEvents(path string) (int, error) {
	count := 0
	err := replayFile(path, 0, func(Event) error {
		count++
		return nil
	})
	return count, err
}

// ValidateWAL checks checksums and that sequence numbers strictly increase.
func ValidateWAL(path string) error {
	var last uint64
	return replayFile(path, 0, func(event Event) error {
		if last != 0 && event.Seq <= last {
			return fmt.Errorf("%w: seq=%d after %d", ErrSequenceGap, event.Seq, last)
		}
		last = event.Seq
		return nil
	})
}

// DumpWAL writes a human readable line per event.
//
//	[Seq:1] ENQUEUE job-001 at 2024-01-01T00:00:00Z (checksum:0x12345678)
func DumpWAL(path string, w io.Writer) error {
	return replayFile(path, 0, func(event Event) error {
		subject := string(event.JobID)
		if subject == "" {
			subject = event.RecurringID
		}
		_, err := fmt.Fprintf(w, "[Seq:%d] %s %s at %s (checksum:0x%08x)\n",
			event.Seq, event.Type, subject,
			time.UnixMilli(event.Timestamp).UTC().Format(time.RFC3339), event.Checksum)
		return err
	})
}

// RotatedFiles lists files produced by Rotate for path, oldest first.
func RotatedFiles(path string) ([]string, error) {
	matches, err := filepath.Glob(path + ".*")
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// PruneRotated removes all but the newest keep rotated files.
func PruneRotated(path string, keep int) (int, error) {
	files, err := RotatedFiles(path)
	if err != nil {
		return 0, err
	}
	if keep < 0 {
		keep = 0
	}
	removed := 0
	for i := 0; i < len(files)-keep; i++ {
		if err := os.Remove(files[i]); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// WALStats summarises a WAL file.
type WALStats struct {
	TotalEvents int
	EventTypes  map[EventType]int
	FirstSeq    uint64
	LastSeq     uint64
	TimeRange   [2]int64
}

// GetWALStats scans the file and collects WALStats.
func GetWALStats(path string) (*WALStats, error) {
	stats := &WALStats{EventTypes: make(map[EventType]int)}
	err := replayFile(path, 0, func(event Event) error {
		if stats.TotalEvents == 0 {
			stats.FirstSeq = event.Seq
			stats.TimeRange[0] = event.Timestamp
		}
		stats.TotalEvents++
		stats.EventTypes[event.Type]++
		stats.LastSeq = event.Seq
		stats.TimeRange[1] = event.Timestamp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}
