package notify

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"sync"

	"github.com/streadway/amqp"

	"github.com/holape/bulk-engine/internal/core"
	"github.com/holape/bulk-engine/internal/metrics"
)

const progressExchange = "batch.progress"

// broker is the slice of *amqp.Channel the notifier needs.
type broker interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQP publishes snapshots to a fanout exchange so UI gateways can
// push real-time progress to clients. Publish errors are logged and
// dropped; the connection is torn down and re-dialed lazily on the
// next snapshot so a broker flap cannot accumulate dead connections.
type AMQP struct {
	url  string
	dial func(url string) (io.Closer, broker, error)

	mu   sync.Mutex
	conn io.Closer
	ch   broker
}

func NewAMQP(url string) *AMQP { return &AMQP{url: url, dial: dialAMQP} }

func dialAMQP(url string) (io.Closer, broker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	if err := ch.ExchangeDeclare(progressExchange, "fanout", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, ch, nil
}

func (a *AMQP) channel() (broker, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ch != nil {
		return a.ch, nil
	}
	conn, ch, err := a.dial(a.url)
	if err != nil {
		return nil, err
	}
	a.conn = conn
	a.ch = ch
	return ch, nil
}

// reset closes the channel and its connection so the next Notify
// starts from a clean dial.
func (a *AMQP) reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ch != nil {
		_ = a.ch.Close()
		a.ch = nil
	}
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
}

func (a *AMQP) Notify(_ context.Context, s core.Snapshot) {
	body, err := json.Marshal(s)
	if err != nil {
		log.Printf("notify: marshal snapshot: %v", err)
		return
	}
	ch, err := a.channel()
	if err != nil {
		metrics.NotifyFailures.Inc()
		log.Printf("notify: amqp dial: %v", err)
		return
	}
	err = ch.Publish(progressExchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		metrics.NotifyFailures.Inc()
		log.Printf("notify: amqp publish: %v", err)
		a.reset()
	}
}
