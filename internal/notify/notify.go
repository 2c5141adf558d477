// Package notify fans progress snapshots out to interested parties.
// Every implementation is fire-and-forget: a broken notifier must not
// affect the engine's own state transitions.
package notify

import (
	"context"
	"log"

	"github.com/holape/bulk-engine/internal/core"
)

// Log writes snapshots to the process log. Default when no broker is
// configured.
type Log struct{}

func NewLog() *Log { return &Log{} }

func (l *Log) Notify(_ context.Context, s core.Snapshot) {
	log.Printf("batch %s: %s %d/%d sent, %d failed (%d%%)",
		s.BatchID, s.Status, s.SentCount, s.TotalRecipients, s.FailedCount, s.PercentComplete)
}

// Multi forwards to several notifiers in order.
type Multi []core.Notifier

func (m Multi) Notify(ctx context.Context, s core.Snapshot) {
	for _, n := range m {
		n.Notify(ctx, s)
	}
}
