package rabbitmq

import (
	"context"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AttemptsHeader counts deliveries that already failed.
const AttemptsHeader = "x-attempts"

type channelPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Retrier parks failed deliveries on <queue>.retry. The retry queue has no
// consumer; the message expires and dead-letters back to the main queue.
type Retrier struct {
	queue       string
	maxAttempts int
	backoff     time.Duration

	mu sync.Mutex
	ch channelPublisher
}

func NewRetrier(ch channelPublisher, queue string, maxAttempts int, backoff time.Duration) *Retrier {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if backoff <= 0 {
		backoff = time.Second
	}
	return &Retrier{ch: ch, queue: queue, maxAttempts: maxAttempts, backoff: backoff}
}

func Attempts(h amqp.Table) int {
	switch v := h[AttemptsHeader].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	default:
		return 0
	}
}

// Retry republishes d with one more attempt recorded and a linear backoff.
// It returns false, without publishing, once d has used its last attempt;
// the caller should then nack it to the DLQ.
func (r *Retrier) Retry(ctx context.Context, d amqp.Delivery) (bool, error) {
	attempt := Attempts(d.Headers) + 1
	if attempt >= r.maxAttempts {
		return false, nil
	}

	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[AttemptsHeader] = int32(attempt)

	delay := r.backoff * time.Duration(attempt)

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.ch.PublishWithContext(cctx,
		"",
		r.queue+".retry",
		false,
		false,
		amqp.Publishing{
			Headers:      headers,
			ContentType:  d.ContentType,
			DeliveryMode: amqp.Persistent,
			MessageId:    d.MessageId,
			Type:         d.Type,
			Timestamp:    d.Timestamp,
			Expiration:   strconv.FormatInt(delay.Milliseconds(), 10),
			Body:         d.Body,
		},
	)
	if err != nil {
		return false, err
	}
	return true, nil
}
