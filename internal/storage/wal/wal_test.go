package wal

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ChuLiYu/pbem-host/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestWAL(t *testing.T) (*WAL, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.wal")
	w, err := Open(path, true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w, path
}

func collect(t *testing.T, w *WAL, after uint64) []Event {
	t.Helper()
	var events []Event
	require.NoError(t, w.Replay(after, func(e Event) error {
		events = append(events, e)
		return nil
	}))
	return events
}

// ============================================================================
// Append / Replay
// ============================================================================

func TestAppendAndReplay(t *testing.T) {
	w, _ := openTestWAL(t)

	job := types.Job{ID: "job-1", Call: types.Call{Action: "run-turn", Args: map[string]string{"game": "1"}}, Status: types.StateEnqueued}
	seq, err := w.Append(JobEvent(EventEnqueue, job), false)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	_, err = w.Append(RecurringEvent(types.Recurring{ID: "game-1-turn", Cron: "0 12 * * *", TimeZone: "UTC"}), false)
	require.NoError(t, err)
	_, err = w.Append(RemoveEvent("game-1-factions"), false)
	require.NoError(t, err)

	events := collect(t, w, 0)
	require.Len(t, events, 3)
	assert.Equal(t, EventEnqueue, events[0].Type)
	require.NotNil(t, events[0].Job)
	assert.Equal(t, "1", events[0].Job.Call.Arg("game"))
	assert.Equal(t, "game-1-turn", events[1].Recurring.ID)
	assert.Equal(t, "game-1-factions", events[2].RecurringID)

	assert.Len(t, collect(t, w, 2), 1, "replay skips events covered by a snapshot")
}

func TestBufferedAppendVisibleToReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.wal")
	w, err := Open(path, false)
	require.NoError(t, err)
	defer w.Close()

	for i := 0; i < 5; i++ {
		_, err := w.Append(JobEvent(EventEnqueue, types.Job{ID: types.JobID("j")}), false)
		require.NoError(t, err)
	}
	assert.Len(t, collect(t, w, 0), 5)
}

func TestSequenceContinuesAcrossRotateAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.wal")
	w, err := Open(path, true)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := w.Append(JobEvent(EventEnqueue, types.Job{ID: "a"}), false)
		require.NoError(t, err)
	}
	require.NoError(t, w.Rotate())
	seq, err := w.Append(JobEvent(EventAck, types.Job{ID: "a"}), false)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)
	require.NoError(t, w.Close())

	rotated, err := RotatedFiles(path)
	require.NoError(t, err)
	assert.Len(t, rotated, 1)

	reopened, err := Open(path, true)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, uint64(4), reopened.LastSeq())

	// an empty active file after rotation falls back to the snapshot's seq
	require.NoError(t, reopened.Rotate())
	empty, err := Open(path+".fresh", true)
	require.NoError(t, err)
	defer empty.Close()
	empty.EnsureSeq(4)
	next, err := empty.Append(JobEvent(EventAck, types.Job{ID: "b"}), false)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), next)
}

func TestClosedWALRefusesAppend(t *testing.T) {
	w, _ := openTestWAL(t)
	require.NoError(t, w.Close())
	_, err := w.Append(RemoveEvent("x"), false)
	assert.ErrorIs(t, err, ErrWALClosed)
}

// ============================================================================
// Corruption
// ============================================================================

func TestChecksumMismatchStopsReplay(t *testing.T) {
	w, path := openTestWAL(t)
	_, err := w.Append(JobEvent(EventEnqueue, types.Job{ID: "job-1"}), true)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(raw), "job-1", "job-9", 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))

	err = replayFile(path, 0, func(Event) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	var ce *ChecksumError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, uint64(1), ce.Seq)
}

func TestTornTailIsIgnored(t *testing.T) {
	w, path := openTestWAL(t)
	_, err := w.Append(JobEvent(EventEnqueue, types.Job{ID: "job-1"}), true)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"type":"ACK","job_id":"jo`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	count, err := CountEvents(path)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestGarbageIsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.wal")
	require.NoError(t, os.WriteFile(path, []byte("not json at all\n"), 0o644))

	err := ValidateWAL(path)
	assert.ErrorIs(t, err, ErrCorruptedWAL)
	var ce *CorruptionError
	assert.True(t, errors.As(err, &ce))
}

func TestHandlerErrorStopsReplay(t *testing.T) {
	w, _ := openTestWAL(t)
	for i := 0; i < 3; i++ {
		_, err := w.Append(RemoveEvent("x"), false)
		require.NoError(t, err)
	}
	calls := 0
	boom := errors.New("boom")
	err := w.Replay(0, func(Event) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

// ============================================================================
// Utilities
// ============================================================================

func TestDumpAndStats(t *testing.T) {
	w, path := openTestWAL(t)
	_, err := w.Append(JobEvent(EventEnqueue, types.Job{ID: "job-1"}), false)
	require.NoError(t, err)
	_, err = w.Append(JobEvent(EventDispatch, types.Job{ID: "job-1"}), false)
	require.NoError(t, err)
	require.NoError(t, w.Flush())

	var buf bytes.Buffer
	require.NoError(t, DumpWAL(path, &buf))
	assert.Contains(t, buf.String(), "[Seq:1] ENQUEUE job-1")
	assert.Contains(t, buf.String(), "[Seq:2] DISPATCH job-1")

	stats, err := GetWALStats(path)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalEvents)
	assert.Equal(t, uint64(1), stats.FirstSeq)
	assert.Equal(t, uint64(2), stats.LastSeq)
	assert.Equal(t, 1, stats.EventTypes[EventDispatch])

	require.NoError(t, ValidateWAL(path))
}

func TestPruneRotated(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.wal")
	for _, suffix := range []string{".20250101_000000.1", ".20250102_000000.2", ".20250103_000000.3"} {
		require.NoError(t, os.WriteFile(path+suffix, nil, 0o644))
	}
	removed, err := PruneRotated(path, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	left, err := RotatedFiles(path)
	require.NoError(t, err)
	assert.Equal(t, []string{path + ".20250103_000000.3"}, left)
}
