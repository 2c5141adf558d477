package channel

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Dummy simulates a delivery transport with latency and a small
// failure rate. Useful for local runs and driver tests.
type Dummy struct {
	FailureRate int // percent, 0..100
}

func NewDummy() *Dummy { return &Dummy{FailureRate: 3} }

func (d *Dummy) Send(ctx context.Context, phone, content string, attachmentURL *string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	if rand.Intn(100) < d.FailureRate {
		return errors.New("channel_temporary_error")
	}
	return nil
}
