package cyclops

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTimeUntilNextMinute(t *testing.T) {
	now := time.Date(2026, 7, 29, 10, 30, 15, 0, time.UTC)
	wait := timeUntilNextMinute(now)
	assert.Equal(t, 45*time.Second, wait)
}

func TestEnsureScheduleFile_CreatesEmptyArray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedule")
	c := New(path, discardLogger(), nil)
	require.NoError(t, c.ensureScheduleFile())

	entries, err := c.readSchedule()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAddEntry_PersistsAndSorts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedule")
	c := New(path, discardLogger(), nil)

	later := time.Now().Add(time.Hour)
	sooner := time.Now().Add(time.Minute)

	_, err := c.AddEntry("refresh-manifest", later)
	require.NoError(t, err)
	entry2, err := c.AddEntry("refresh-manifest", sooner)
	require.NoError(t, err)

	entries, err := c.readSchedule()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, entry2.ID, entries[0].ID) // sooner entry sorts first
}

func TestTick_MarksDueEntriesDone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedule")

	var acted []string
	c := New(path, discardLogger(), func(ctx context.Context, e ScheduleEntry) error {
		acted = append(acted, e.ID)
		return nil
	})

	past, err := c.AddEntry("refresh-manifest", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	_, err = c.AddEntry("refresh-manifest", time.Now().Add(time.Hour))
	require.NoError(t, err)

	c.tick(context.Background())

	assert.Equal(t, []string{past.ID}, acted)

	entries, err := c.readSchedule()
	require.NoError(t, err)
	for _, e := range entries {
		if e.ID == past.ID {
			assert.True(t, e.Done)
		} else {
			assert.False(t, e.Done)
		}
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedule")
	c := New(path, discardLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
