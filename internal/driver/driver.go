// Package driver runs the push-mode dispatch loop: it owns delivery
// for batches whose sends go through an async channel (Cloud API),
// while pull-mode batches are drained by external pollers over HTTP.
package driver

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/holape/bulk-engine/internal/channel"
	"github.com/holape/bulk-engine/internal/core"
	"github.com/holape/bulk-engine/internal/metrics"
)

type Options struct {
	SendTimeout     time.Duration // per-send timeout
	IdleSleep       time.Duration // supervisor sleep when no pass attempted a send
	ScanBatchLimit  int           // batches picked up per supervisor scan
	BackoffAfter    int           // consecutive failures before the pacing delay doubles
	AutoPauseAfter  int           // consecutive failures before the batch is force-paused
	CheckpointEvery int           // outcomes between counter reconciliations
	StaleClaimAfter time.Duration // IN_PROGRESS age before a claim counts as abandoned
}

func DefaultOptions() Options {
	return Options{
		SendTimeout:     10 * time.Second,
		IdleSleep:       500 * time.Millisecond,
		ScanBatchLimit:  10,
		BackoffAfter:    3,
		AutoPauseAfter:  5,
		CheckpointEvery: 10,
		StaleClaimAfter: 5 * time.Minute,
	}
}

type Driver struct {
	Store   *core.Store
	Channel channel.Channel
	Opt     Options
}

func New(store *core.Store, ch channel.Channel, opt Options) *Driver {
	return &Driver{Store: store, Channel: ch, Opt: opt}
}

// RunSupervisor polls for runnable push-mode batches and drives each
// to its next stop (completion, pause, cancel, quota, window). Safe to
// run in multiple processes: recipient claims are atomic. A pass that
// attempted no send sleeps before rescanning, so a batch that is
// runnable but blocked (quota gone, outside the window, rules off)
// does not turn the loop into a DB hammer.
func (d *Driver) RunSupervisor(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ids, err := d.Store.ListRunnablePushBatches(ctx, d.Opt.ScanBatchLimit)
		metrics.DriverScanTotal.Inc()
		if err != nil {
			log.Printf("driver: scan error: %v", err)
			sleepCtx(ctx, jitter(d.Opt.IdleSleep, 0.20))
			continue
		}
		attempted := 0
		for _, id := range ids {
			n, err := d.Run(ctx, id)
			if err != nil && ctx.Err() == nil {
				log.Printf("driver: batch %s: %v", id, err)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			attempted += n
		}
		if attempted == 0 {
			sleepCtx(ctx, jitter(d.Opt.IdleSleep, 0.20))
		}
	}
}

// Run drives one batch until no more work is eligible and reports how
// many sends it attempted, so the supervisor can tell a productive
// pass from a blocked one. Pause and cancel are observed at the claim
// step between attempts, never mid-send, because GetNext reads the
// persisted batch status in the same transaction that hands out the
// claim. Claims abandoned by a crashed predecessor are released first.
func (d *Driver) Run(ctx context.Context, batchID string) (int, error) {
	b, err := d.Store.GetBatch(ctx, batchID)
	if err != nil {
		return 0, err
	}
	rules, err := d.Store.GetOrCreateRules(ctx, b.TenantKey, b.AgentKey)
	if err != nil {
		return 0, err
	}

	if d.Opt.StaleClaimAfter > 0 {
		n, err := d.Store.ResetStaleClaims(ctx, batchID, d.Opt.StaleClaimAfter)
		if err != nil {
			return 0, err
		}
		if n > 0 {
			log.Printf("driver: batch %s: released %d abandoned claims", batchID, n)
		}
	}

	baseDelay := time.Duration(rules.CloudAPIDelayMs) * time.Millisecond
	if baseDelay <= 0 {
		baseDelay = time.Millisecond
	}
	limiter := rate.NewLimiter(rate.Every(baseDelay), 1)

	metrics.DriverInFlight.Inc()
	defer metrics.DriverInFlight.Dec()

	consecutive := 0
	var lastErr error
	sinceCheckpoint := 0
	attempted := 0

	for {
		task, reason, err := d.Store.GetNext(ctx, batchID)
		if err != nil {
			return attempted, err
		}
		if task == nil {
			switch reason {
			case core.NoWorkNoPending:
				if _, err := d.Store.CompleteIfExhausted(ctx, batchID); err != nil {
					return attempted, err
				}
			case core.NoWorkNotRunnable:
				// paused or terminal; a later resume re-enters here
			}
			return attempted, nil
		}

		// Pacing: interruptible, so cancel never waits out a backoff.
		if err := limiter.Wait(ctx); err != nil {
			d.release(batchID, task.RecipientID)
			return attempted, err
		}

		attempted++
		start := time.Now()
		cctx, cancel := context.WithTimeout(ctx, d.Opt.SendTimeout)
		sendErr := d.Channel.Send(cctx, task.Phone, task.Content, task.AttachmentURL)
		cancel()
		metrics.DriverSendDuration.Observe(time.Since(start).Seconds())

		if ctx.Err() != nil {
			// Shutdown raced the send; leave the claim for the next
			// driver's stale-claim recovery (or a manual resume).
			return attempted, ctx.Err()
		}

		if sendErr != nil {
			metrics.DriverSendTotal.WithLabelValues("failed").Inc()
			if _, err := d.Store.ReportOutcome(ctx, batchID, task.RecipientID, core.OutcomeFailed, sendErr.Error()); err != nil {
				return attempted, err
			}
			consecutive++
			lastErr = sendErr
			if consecutive >= d.Opt.AutoPauseAfter {
				metrics.DriverAutoPause.Inc()
				summary := fmt.Sprintf("auto-paused after %d consecutive delivery failures; last: %v", consecutive, lastErr)
				if _, err := d.Store.AutoPause(ctx, batchID, summary); err != nil {
					return attempted, err
				}
				log.Printf("driver: batch %s %s", batchID, summary)
				return attempted, nil
			}
			if consecutive >= d.Opt.BackoffAfter {
				limiter.SetLimit(rate.Every(2 * baseDelay))
			}
		} else {
			metrics.DriverSendTotal.WithLabelValues("sent").Inc()
			if _, err := d.Store.ReportOutcome(ctx, batchID, task.RecipientID, core.OutcomeSent, ""); err != nil {
				return attempted, err
			}
			consecutive = 0
			limiter.SetLimit(rate.Every(baseDelay))
		}

		sinceCheckpoint++
		if sinceCheckpoint >= d.Opt.CheckpointEvery {
			sinceCheckpoint = 0
			if _, err := d.Store.ReconcileCounters(ctx, batchID); err != nil {
				log.Printf("driver: reconcile %s: %v", batchID, err)
			}
		}
	}
}

// release puts a claimed recipient back to PENDING when the driver
// gives up before attempting the send.
func (d *Driver) release(batchID string, recipientID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := d.Store.DB.Exec(ctx, `
		UPDATE batch_recipients SET status='PENDING', claimed_at=NULL
		WHERE id=$1 AND batch_id=$2 AND status='IN_PROGRESS'`, recipientID, batchID)
	if err != nil {
		log.Printf("driver: release recipient %d: %v", recipientID, err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := int64(float64(d) * frac)
	if delta <= 0 {
		return d
	}
	// random in [-delta, +delta]
	n := rand.Int63n(2*delta+1) - delta
	return d + time.Duration(n)
}
