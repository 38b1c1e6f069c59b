package backup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkops/arkmgr/internal/profile"
)

func TestComputeNextRun(t *testing.T) {
	from := time.Date(2026, 3, 14, 3, 59, 30, 0, time.UTC)

	next, err := computeNextRun("0 4 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 14, 4, 0, 0, 0, time.UTC), next)

	next, err = computeNextRun("@hourly", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 14, 4, 0, 0, 0, time.UTC), next)

	// Six-field expressions with seconds are accepted too.
	next, err = computeNextRun("30 */5 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 14, 4, 0, 30, 0, time.UTC), next)

	_, err = computeNextRun("not a schedule", from)
	assert.Error(t, err)
}

func TestScheduleRunnerEmptyScheduleDisabled(t *testing.T) {
	sr := NewScheduleRunner("", 7, nil, nil, nil)
	require.NoError(t, sr.Start(context.Background()))
	assert.True(t, sr.NextRun().IsZero())
}

func TestScheduleRunnerRejectsBadSchedule(t *testing.T) {
	sr := NewScheduleRunner("13 37", 7, nil, nil, nil)
	assert.Error(t, sr.Start(context.Background()))
}

func TestScheduleRunnerRunsOnlyAutoBackupProfiles(t *testing.T) {
	profiles := func() []profile.Snapshot {
		return []profile.Snapshot{
			{ProfileName: "island", AutoBackupEnabled: true},
			{ProfileName: "center"},
			{ProfileName: "scorched", AutoBackupEnabled: true},
		}
	}

	var mu sync.Mutex
	var ran []string
	run := func(ctx context.Context, snap profile.Snapshot) error {
		mu.Lock()
		defer mu.Unlock()
		ran = append(ran, snap.ProfileName)
		return nil
	}

	sr := NewScheduleRunner("* * * * *", 0, profiles, run, nil)
	// Force the run directly instead of waiting out the poll interval.
	sr.mu.Lock()
	sr.nextRun = time.Now().Add(-time.Minute)
	sr.mu.Unlock()
	sr.runIfDue(context.Background())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"island", "scorched"}, ran)
	assert.True(t, sr.NextRun().After(time.Now().Add(-time.Second)), "next run must be rescheduled")
}

func TestScheduleRunnerNotDueDoesNothing(t *testing.T) {
	called := false
	run := func(ctx context.Context, snap profile.Snapshot) error {
		called = true
		return nil
	}
	profiles := func() []profile.Snapshot {
		return []profile.Snapshot{{ProfileName: "island", AutoBackupEnabled: true}}
	}

	sr := NewScheduleRunner("* * * * *", 0, profiles, run, nil)
	sr.mu.Lock()
	sr.nextRun = time.Now().Add(time.Hour)
	sr.mu.Unlock()
	sr.runIfDue(context.Background())

	assert.False(t, called)
}
