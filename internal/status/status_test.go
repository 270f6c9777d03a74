package status

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdeck/offline/internal/model"
	"github.com/opsdeck/offline/internal/store"
)

func seedQueue(t *testing.T) (string, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(dir, model.LimitsConfig{})
	require.NoError(t, err)
	return dir, s
}

func TestCollect_EmptyQueue(t *testing.T) {
	dir, _ := seedQueue(t)

	report, err := Collect(dir, 5)
	require.NoError(t, err)

	assert.False(t, report.Daemon.Running)
	assert.Equal(t, 0, report.Queue.Total)
	assert.Nil(t, report.Queue.Oldest)
}

func TestCollect_MissingQueueFile(t *testing.T) {
	report, err := Collect(t.TempDir(), 5)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Queue.Total)
}

func TestCollect_CountsByStatus(t *testing.T) {
	dir, s := seedQueue(t)

	first, err := s.Enqueue("createOrder", map[string]any{"sku": "A"}, model.Meta{Summary: "Order for ACME"})
	require.NoError(t, err)
	_, err = s.Enqueue("createOrder", map[string]any{"sku": "B"}, model.Meta{})
	require.NoError(t, err)
	_, err = s.Enqueue("submitRestock", map[string]any{}, model.Meta{})
	require.NoError(t, err)

	// Move the head through a failed attempt
	inFlight := model.StatusInFlight
	require.NoError(t, s.Update(first.ID, model.Patch{Status: &inFlight}))
	failed := model.StatusFailedRetryable
	attempts := 6
	lastErr := "connection refused"
	require.NoError(t, s.Update(first.ID, model.Patch{
		Status:    &failed,
		Attempts:  &attempts,
		LastError: &lastErr,
	}))

	report, err := Collect(dir, 5)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Queue.Total)
	assert.Equal(t, 2, report.Queue.Pending)
	assert.Equal(t, 1, report.Queue.FailedRetryable)
	assert.Equal(t, 1, report.Queue.Stuck)

	require.NotNil(t, report.Queue.Oldest)
	assert.Equal(t, first.ID, report.Queue.Oldest.ID)
	assert.Equal(t, "Order for ACME", report.Queue.Oldest.Summary)
	assert.Equal(t, 6, report.Queue.Oldest.Attempts)
	assert.Equal(t, "connection refused", report.Queue.Oldest.LastError)
}

func TestPrintReport_Empty(t *testing.T) {
	var buf bytes.Buffer
	printReport(&buf, Report{})

	assert.Contains(t, buf.String(), "Daemon: stopped")
	assert.Contains(t, buf.String(), "everything is synced")
}

func TestPrintReport_StuckSurfaced(t *testing.T) {
	var buf bytes.Buffer
	printReport(&buf, Report{
		Daemon: DaemonStatus{Running: true},
		Queue: QueueReport{
			Total:           2,
			FailedRetryable: 2,
			Stuck:           1,
			Oldest: &MutationSummary{
				ID:        "mut_1",
				Type:      "createOrder",
				Summary:   "Order for ACME",
				Attempts:  7,
				LastError: "timed out",
				CreatedAt: "2026-08-20T10:00:00Z",
			},
		},
	})

	out := buf.String()
	assert.Contains(t, out, "Daemon: running")
	assert.Contains(t, out, "2 waiting to sync")
	assert.Contains(t, out, "needs attention")
	assert.Contains(t, out, `"Order for ACME"`)
	assert.Contains(t, out, "attempts=7")
	assert.Contains(t, out, "last error: timed out")
}
