package core_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/holape/bulk-engine/internal/core"
	database "github.com/holape/bulk-engine/internal/db"
)

func newStore(t *testing.T) *core.Store {
	pool := database.StartTestPostgres(t)
	return &core.Store{DB: pool}
}

func intPtr(n int) *int    { return &n }
func boolPtr(b bool) *bool { return &b }

func createBatch(t *testing.T, s *core.Store, mode string, phones ...string) *core.Batch {
	t.Helper()
	rows := make([]core.RecipientInput, len(phones))
	for i, p := range phones {
		rows[i] = core.RecipientInput{Phone: p, Name: fmt.Sprintf("r%d", i)}
	}
	b, err := s.CreateBatch(context.Background(), core.CreateBatchRequest{
		TenantKey:  "acme",
		AgentKey:   "agent-1",
		Mode:       mode,
		Template:   "Hi [name]",
		Recipients: rows,
	})
	require.NoError(t, err)
	return b
}

// requireCountersMatch recomputes counters from recipient statuses and
// compares them against the stored aggregates.
func requireCountersMatch(t *testing.T, s *core.Store, batchID string) {
	t.Helper()
	ctx := context.Background()
	b, err := s.GetBatch(ctx, batchID)
	require.NoError(t, err)

	sent, err := s.CountByStatus(ctx, batchID, core.RecipientSent)
	require.NoError(t, err)
	failed, err := s.CountByStatus(ctx, batchID, core.RecipientFailed)
	require.NoError(t, err)
	skipped, err := s.CountByStatus(ctx, batchID, core.RecipientSkipped)
	require.NoError(t, err)

	require.Equal(t, sent, b.SentCount)
	require.Equal(t, failed+skipped, b.FailedCount)
	require.LessOrEqual(t, b.SentCount+b.FailedCount, b.TotalRecipients)
}

func TestCreateBatch_BlankPhonesDropped(t *testing.T) {
	s := newStore(t)
	b := createBatch(t, s, core.ModePull, "123", "", "   ", "456")
	require.Equal(t, 2, b.TotalRecipients)
	require.Equal(t, core.BatchPending, b.Status)

	pending, err := s.CountByStatus(context.Background(), b.ID, core.RecipientPending)
	require.NoError(t, err)
	require.Equal(t, 2, pending)
}

func TestCreateBatch_NoUsableRecipients(t *testing.T) {
	s := newStore(t)
	_, err := s.CreateBatch(context.Background(), core.CreateBatchRequest{
		TenantKey:  "acme",
		AgentKey:   "agent-1",
		Mode:       core.ModePull,
		Recipients: []core.RecipientInput{{Phone: ""}, {Phone: "  "}},
	})
	require.ErrorIs(t, err, core.ErrNoRecipients)
}

func TestCreateBatch_NormalizesPhones(t *testing.T) {
	s := newStore(t)
	b := createBatch(t, s, core.ModePull, "+55 11 99999-8888")
	rs, err := s.ListRecipients(context.Background(), b.ID, nil, 10, 0)
	require.NoError(t, err)
	require.Len(t, rs, 1)
	require.Equal(t, "+5511999998888", rs[0].Phone)
}

func TestCreateBatch_QuotaRejectedOutright(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.UpdateRules(ctx, "acme", "agent-1", core.RuleSetPatch{MaxDailyMessages: intPtr(3)})
	require.NoError(t, err)

	_, err = s.CreateBatch(ctx, core.CreateBatchRequest{
		TenantKey: "acme",
		AgentKey:  "agent-1",
		Mode:      core.ModePull,
		Recipients: []core.RecipientInput{
			{Phone: "1"}, {Phone: "2"}, {Phone: "3"}, {Phone: "4"},
		},
	})
	require.ErrorIs(t, err, core.ErrQuotaExceeded)

	// all-or-nothing: nothing persisted
	var batches int
	require.NoError(t, s.DB.QueryRow(ctx, `SELECT count(*) FROM batches`).Scan(&batches))
	require.Zero(t, batches)
	var recipients int
	require.NoError(t, s.DB.QueryRow(ctx, `SELECT count(*) FROM batch_recipients`).Scan(&recipients))
	require.Zero(t, recipients)
}

func TestRules_ConcurrentFirstAccessCreatesOneRow(t *testing.T) {
	s := newStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.GetOrCreateRules(context.Background(), "acme", "agent-7")
		}()
	}
	wg.Wait()

	var n int
	require.NoError(t, s.DB.QueryRow(context.Background(),
		`SELECT count(*) FROM rule_sets WHERE tenant_key='acme' AND agent_key='agent-7'`).Scan(&n))
	require.Equal(t, 1, n)

	rs, err := s.GetOrCreateRules(context.Background(), "acme", "agent-7")
	require.NoError(t, err)
	require.Equal(t, 200, rs.MaxDailyMessages)
	require.Equal(t, 100, rs.CloudAPIDelayMs)
	require.True(t, rs.Enabled)
}

func TestRules_PartialUpdateLeavesOtherFields(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	rs, err := s.UpdateRules(ctx, "acme", "", core.RuleSetPatch{MaxDailyMessages: intPtr(50)})
	require.NoError(t, err)
	require.Equal(t, 50, rs.MaxDailyMessages)
	require.Equal(t, 100, rs.CloudAPIDelayMs) // default untouched

	rs, err = s.UpdateRules(ctx, "acme", "", core.RuleSetPatch{CloudAPIDelayMs: intPtr(250)})
	require.NoError(t, err)
	require.Equal(t, 50, rs.MaxDailyMessages) // previous update kept
	require.Equal(t, 250, rs.CloudAPIDelayMs)
}

func TestGetNext_StartsBatchAndClaimsInOrder(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	b := createBatch(t, s, core.ModePull, "111", "222")

	task, reason, err := s.GetNext(ctx, b.ID)
	require.NoError(t, err)
	require.Empty(t, reason)
	require.NotNil(t, task)
	require.Equal(t, "111", task.Phone)
	require.Equal(t, "Hi r0", task.Content)

	got, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, core.BatchProcessing, got.Status)
	require.NotNil(t, got.StartedAt)

	task2, _, err := s.GetNext(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, task2)
	require.Equal(t, "222", task2.Phone)
	require.Greater(t, task2.RecipientID, task.RecipientID)

	task3, reason, err := s.GetNext(ctx, b.ID)
	require.NoError(t, err)
	require.Nil(t, task3)
	require.Equal(t, core.NoWorkNoPending, reason)
}

func TestGetNext_ConcurrentClaim_AtMostOne(t *testing.T) {
	s := newStore(t)
	b := createBatch(t, s, core.ModePull, "only-one")

	const pollers = 10
	var mu sync.Mutex
	var tasks []*core.DeliveryTask
	var wg sync.WaitGroup
	for i := 0; i < pollers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, _, err := s.GetNext(context.Background(), b.ID)
			require.NoError(t, err)
			if task != nil {
				mu.Lock()
				tasks = append(tasks, task)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, tasks, 1, "exactly one poller may claim the single recipient")
}

func TestReportOutcome_CompletionConvergence(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	b := createBatch(t, s, core.ModePull, "1", "2", "3")

	outcomes := []string{core.OutcomeSent, core.OutcomeFailed, core.OutcomeSkipped}
	for _, outcome := range outcomes {
		task, _, err := s.GetNext(ctx, b.ID)
		require.NoError(t, err)
		require.NotNil(t, task)
		_, err = s.ReportOutcome(ctx, b.ID, task.RecipientID, outcome, "boom")
		require.NoError(t, err)
		requireCountersMatch(t, s, b.ID)
	}

	got, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, core.BatchCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	require.Equal(t, 1, got.SentCount)
	require.Equal(t, 2, got.FailedCount)

	snap := core.SnapshotOf(got)
	require.Equal(t, 100, snap.PercentComplete)

	// completedAt must not move on a late duplicate report
	completedAt := *got.CompletedAt
	_, err = s.ReportOutcome(ctx, b.ID, firstRecipientID(t, s, b.ID), core.OutcomeSent, "")
	require.NoError(t, err)
	again, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	require.True(t, completedAt.Equal(*again.CompletedAt))
	requireCountersMatch(t, s, b.ID)
}

func firstRecipientID(t *testing.T, s *core.Store, batchID string) int64 {
	t.Helper()
	rs, err := s.ListRecipients(context.Background(), batchID, nil, 1, 0)
	require.NoError(t, err)
	require.NotEmpty(t, rs)
	return rs[0].ID
}

func TestReportOutcome_Mismatch(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	b1 := createBatch(t, s, core.ModePull, "1")
	b2 := createBatch(t, s, core.ModePull, "2")

	_, err := s.ReportOutcome(ctx, b2.ID, firstRecipientID(t, s, b1.ID), core.OutcomeSent, "")
	require.ErrorIs(t, err, core.ErrRecipientMismatch)

	// no mutation happened
	requireCountersMatch(t, s, b1.ID)
	requireCountersMatch(t, s, b2.ID)
	r, err := s.GetRecipient(ctx, firstRecipientID(t, s, b1.ID))
	require.NoError(t, err)
	require.Equal(t, core.RecipientPending, r.Status)
}

func TestReportOutcome_NotFound(t *testing.T) {
	s := newStore(t)
	b := createBatch(t, s, core.ModePull, "1")

	_, err := s.ReportOutcome(context.Background(), "00000000-0000-0000-0000-000000000000", 1, core.OutcomeSent, "")
	require.ErrorIs(t, err, core.ErrBatchNotFound)

	_, err = s.ReportOutcome(context.Background(), b.ID, 99999, core.OutcomeSent, "")
	require.ErrorIs(t, err, core.ErrRecipientNotFound)
}

func TestPauseResume_Idempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	b := createBatch(t, s, core.ModePull, "1", "2")

	_, _, err := s.GetNext(ctx, b.ID) // PENDING -> PROCESSING
	require.NoError(t, err)

	p1, err := s.Pause(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, core.BatchPaused, p1.Status)

	p2, err := s.Pause(ctx, b.ID) // second pause is a no-op
	require.NoError(t, err)
	require.Equal(t, core.BatchPaused, p2.Status)

	r1, err := s.Resume(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, core.BatchProcessing, r1.Status)

	r2, err := s.Resume(ctx, b.ID) // second resume is a no-op
	require.NoError(t, err)
	require.Equal(t, core.BatchProcessing, r2.Status)
}

func TestPause_FromPendingIsError(t *testing.T) {
	s := newStore(t)
	b := createBatch(t, s, core.ModePull, "1")
	_, err := s.Pause(context.Background(), b.ID)
	require.ErrorIs(t, err, core.ErrInvalidTransition)
}

func TestResume_ResetsStuckClaims(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	b := createBatch(t, s, core.ModePull, "1", "2")

	task, _, err := s.GetNext(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, task)

	// poller crashed: recipient stuck IN_PROGRESS
	r, err := s.GetRecipient(ctx, task.RecipientID)
	require.NoError(t, err)
	require.Equal(t, core.RecipientInProgress, r.Status)

	_, err = s.Pause(ctx, b.ID)
	require.NoError(t, err)
	_, err = s.Resume(ctx, b.ID)
	require.NoError(t, err)

	r, err = s.GetRecipient(ctx, task.RecipientID)
	require.NoError(t, err)
	require.Equal(t, core.RecipientPending, r.Status)

	// the recovered recipient is dispatchable again
	task2, _, err := s.GetNext(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, task2)
	require.Equal(t, task.RecipientID, task2.RecipientID)
}

func TestResetStaleClaims_OnlyReleasesOldOnes(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	b := createBatch(t, s, core.ModePull, "1", "2")

	task, _, err := s.GetNext(ctx, b.ID)
	require.NoError(t, err)

	// the claim is seconds old: nothing to release
	n, err := s.ResetStaleClaims(ctx, b.ID, time.Minute)
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = s.DB.Exec(ctx,
		`UPDATE batch_recipients SET claimed_at = now() - interval '1 hour' WHERE id=$1`,
		task.RecipientID)
	require.NoError(t, err)

	n, err = s.ResetStaleClaims(ctx, b.ID, time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	r, err := s.GetRecipient(ctx, task.RecipientID)
	require.NoError(t, err)
	require.Equal(t, core.RecipientPending, r.Status)
	require.Nil(t, r.ClaimedAt)
}

func TestCancel_NotIdempotentOnTerminal(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	b := createBatch(t, s, core.ModePull, "1")
	c, err := s.Cancel(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, core.BatchCancelled, c.Status)

	_, err = s.Cancel(ctx, b.ID)
	require.ErrorIs(t, err, core.ErrInvalidTransition)

	// cancelled batches yield no work
	task, reason, err := s.GetNext(ctx, b.ID)
	require.NoError(t, err)
	require.Nil(t, task)
	require.Equal(t, core.NoWorkNotRunnable, reason)
}

func TestCancel_CompletedBatchIsError(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	b := createBatch(t, s, core.ModePull, "1")

	task, _, err := s.GetNext(ctx, b.ID)
	require.NoError(t, err)
	_, err = s.ReportOutcome(ctx, b.ID, task.RecipientID, core.OutcomeSent, "")
	require.NoError(t, err)

	_, err = s.Cancel(ctx, b.ID)
	require.ErrorIs(t, err, core.ErrInvalidTransition)
}

func TestGetNext_QuotaStopsDispatch(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.UpdateRules(ctx, "acme", "agent-1", core.RuleSetPatch{MaxDailyMessages: intPtr(1)})
	require.NoError(t, err)

	b := createBatch(t, s, core.ModePull, "1")
	task, _, err := s.GetNext(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, task)
	_, err = s.ReportOutcome(ctx, b.ID, task.RecipientID, core.OutcomeSent, "")
	require.NoError(t, err)

	// quota for the day is gone; a second batch can't be created...
	_, err = s.CreateBatch(ctx, core.CreateBatchRequest{
		TenantKey:  "acme",
		AgentKey:   "agent-1",
		Mode:       core.ModePull,
		Recipients: []core.RecipientInput{{Phone: "2"}},
	})
	require.ErrorIs(t, err, core.ErrQuotaExceeded)
}

func TestGetNext_DispatchTimeQuotaIsNotAnError(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	b := createBatch(t, s, core.ModePull, "1", "2")

	task, _, err := s.GetNext(ctx, b.ID)
	require.NoError(t, err)
	_, err = s.ReportOutcome(ctx, b.ID, task.RecipientID, core.OutcomeSent, "")
	require.NoError(t, err)

	// tighten the quota below what was already sent today
	_, err = s.UpdateRules(ctx, "acme", "agent-1", core.RuleSetPatch{MaxDailyMessages: intPtr(1)})
	require.NoError(t, err)

	task, reason, err := s.GetNext(ctx, b.ID)
	require.NoError(t, err)
	require.Nil(t, task)
	require.Equal(t, core.NoWorkQuota, reason)
}

func TestGetNext_DisabledRules(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.UpdateRules(ctx, "acme", "agent-1", core.RuleSetPatch{Enabled: boolPtr(false)})
	require.NoError(t, err)

	b := createBatch(t, s, core.ModePull, "1")
	task, reason, err := s.GetNext(ctx, b.ID)
	require.NoError(t, err)
	require.Nil(t, task)
	require.Equal(t, core.NoWorkDisabled, reason)
}

func TestErrorMessageTruncated(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	b := createBatch(t, s, core.ModePull, "1")

	task, _, err := s.GetNext(ctx, b.ID)
	require.NoError(t, err)

	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'x'
	}
	_, err = s.ReportOutcome(ctx, b.ID, task.RecipientID, core.OutcomeFailed, string(long))
	require.NoError(t, err)

	r, err := s.GetRecipient(ctx, task.RecipientID)
	require.NoError(t, err)
	require.NotNil(t, r.ErrorMessage)
	require.Len(t, *r.ErrorMessage, core.MaxErrorLen)
}

func TestDeleteBatch_CascadesLedger(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	b := createBatch(t, s, core.ModePull, "1", "2")

	require.NoError(t, s.DeleteBatch(ctx, b.ID))

	var n int
	require.NoError(t, s.DB.QueryRow(ctx,
		`SELECT count(*) FROM batch_recipients WHERE batch_id=$1`, b.ID).Scan(&n))
	require.Zero(t, n)

	require.ErrorIs(t, s.DeleteBatch(ctx, b.ID), core.ErrBatchNotFound)
}

// snapshotRecorder asserts the notifier fires on transitions without
// ever being able to fail them.
type snapshotRecorder struct {
	mu    sync.Mutex
	snaps []core.Snapshot
}

func (r *snapshotRecorder) Notify(_ context.Context, s core.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *snapshotRecorder) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.snaps))
	for i, s := range r.snaps {
		out[i] = s.Status
	}
	return out
}

func TestNotifierReceivesTransitions(t *testing.T) {
	s := newStore(t)
	rec := &snapshotRecorder{}
	s.Notifier = rec
	ctx := context.Background()

	b := createBatch(t, s, core.ModePull, "1")
	task, _, err := s.GetNext(ctx, b.ID)
	require.NoError(t, err)
	_, err = s.ReportOutcome(ctx, b.ID, task.RecipientID, core.OutcomeSent, "")
	require.NoError(t, err)

	statuses := rec.statuses()
	require.Equal(t, []string{core.BatchPending, core.BatchProcessing, core.BatchCompleted}, statuses)

	last := rec.snaps[len(rec.snaps)-1]
	require.Equal(t, 100, last.PercentComplete)
	require.Equal(t, 1, last.SentCount)
}

// Guard against clock-adjacent flakiness in the quota query: a send
// recorded "now" must count toward today.
func TestSentTodayCountsFreshSends(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	b := createBatch(t, s, core.ModePull, "1")

	task, _, err := s.GetNext(ctx, b.ID)
	require.NoError(t, err)
	_, err = s.ReportOutcome(ctx, b.ID, task.RecipientID, core.OutcomeSent, "")
	require.NoError(t, err)

	n, err := s.SentToday(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	time.Sleep(10 * time.Millisecond)
	n, err = s.SentToday(ctx, "other-agent")
	require.NoError(t, err)
	require.Zero(t, n)
}
