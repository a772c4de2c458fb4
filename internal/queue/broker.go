package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// attemptsHeader counts how many times a message has been delivered. The
// broker has no native retry counter, so a failed message is republished
// with the header incremented and dropped once it reaches maxDeliveries.
const attemptsHeader = "x-delivery-attempts"

// maxDeliveries bounds redelivery of a single message. A watch task that
// keeps failing is dropped (the scheduler will arm a fresh one); a booking
// task that keeps failing is handled by the worker's recoverable-failure
// path before this bound is ever hit.
const maxDeliveries = 3

// ErrDrop tells the consume loop to acknowledge a message without retrying
// it. Handlers return it (usually wrapped) when a message is stale or
// malformed and redelivery could not possibly help.
var ErrDrop = errors.New("drop message")

// Broker holds one AMQP connection and channel for publishing. The channel
// is guarded by a mutex because amqp channels are not safe for concurrent
// use. Consumers open their own connections via ConsumeLoop.
type Broker struct {
	url  string
	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Dial connects to RabbitMQ and declares the application queues (durable).
func Dial(url string) (*Broker, error) {
	b := &Broker{url: url}
	if err := b.connect(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Broker) connect() error {
	// Release any previous handles before redialing so a reconnect never
	// leaks the dead connection.
	if b.ch != nil {
		_ = b.ch.Close()
		b.ch = nil
	}
	if b.conn != nil {
		_ = b.conn.Close()
		b.conn = nil
	}
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	for _, name := range []string{WatchQueue, BookingQueue, NotifyQueue} {
		if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return fmt.Errorf("declare queue %s: %w", name, err)
		}
	}
	b.conn = conn
	b.ch = ch
	return nil
}

// PublishJSON marshals v and publishes it to the named queue with persistent
// delivery mode. On a channel error it reconnects once and retries.
func (b *Broker) PublishJSON(ctx context.Context, queueName string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.publishLocked(ctx, queueName, body, nil); err != nil {
		// One reconnect attempt before giving up.
		if rerr := b.connect(); rerr != nil {
			return err
		}
		return b.publishLocked(ctx, queueName, body, nil)
	}
	return nil
}

func (b *Broker) publishLocked(ctx context.Context, queueName string, body []byte, headers amqp.Table) error {
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent, // store on disk
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         body,
	}
	return b.ch.PublishWithContext(ctx,
		"",        // default exchange
		queueName, // routing key = queue name
		false,     // mandatory
		false,     // immediate
		pub,
	)
}

// Close releases the publisher connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch != nil {
		_ = b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

// Publisher is the subset of Broker the scheduler and workers depend on.
type Publisher interface {
	PublishJSON(ctx context.Context, queueName string, v any) error
}

// Handler processes one message body. A nil return acknowledges the
// message. ErrDrop (wrapped or bare) acknowledges without retry. Any other
// error requeues the message with its delivery counter incremented, until
// maxDeliveries is reached and the message is dropped.
type Handler func(ctx context.Context, body []byte) error

// ConsumeLoop consumes the named queue until ctx is cancelled, running up to
// concurrency handlers at once (prefetch matches concurrency). It dials its
// own connection and keeps a reconnect loop with exponential backoff so a
// broker restart never kills the worker.
func ConsumeLoop(ctx context.Context, url, queueName string, concurrency int, fn Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}
	backoff := time.Second
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		conn, err := amqp.Dial(url)
		if err != nil {
			log.Printf("%s-consumer: failed to dial broker: %v; retrying in %s", queueName, err, backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second // reset after successful connect

		err = consumeConn(ctx, conn, queueName, concurrency, fn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("%s-consumer: consume loop ended: %v; reconnecting", queueName, err)
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func consumeConn(ctx context.Context, conn *amqp.Connection, queueName string, concurrency int, fn Handler) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(concurrency, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.ConsumeWithContext(ctx, queueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	var pubMu sync.Mutex // republishes share the consumer channel
	var wg sync.WaitGroup
	sem := make(chan struct{}, concurrency)
	for d := range msgs {
		sem <- struct{}{}
		wg.Add(1)
		go func(d amqp.Delivery) {
			defer wg.Done()
			defer func() { <-sem }()
			handleDelivery(ctx, ch, &pubMu, queueName, d, fn)
		}(d)
	}
	wg.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.New("deliveries channel closed")
}

func handleDelivery(ctx context.Context, ch *amqp.Channel, pubMu *sync.Mutex, queueName string, d amqp.Delivery, fn Handler) {
	err := fn(ctx, d.Body)
	if err == nil {
		_ = d.Ack(false)
		return
	}
	if errors.Is(err, ErrDrop) {
		log.Printf("%s-consumer: dropping message: %v", queueName, err)
		_ = d.Ack(false)
		return
	}
	attempts := deliveryAttempts(d.Headers)
	if attempts >= maxDeliveries {
		log.Printf("%s-consumer: giving up after %d deliveries: %v", queueName, attempts, err)
		_ = d.Ack(false)
		return
	}
	log.Printf("%s-consumer: handle message failed (delivery %d/%d): %v", queueName, attempts, maxDeliveries, err)
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[attemptsHeader] = int32(attempts + 1)
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         d.Body,
	}
	pubMu.Lock()
	perr := ch.PublishWithContext(ctx, "", queueName, false, false, pub)
	pubMu.Unlock()
	if perr != nil {
		// Could not requeue a copy; put the original back instead.
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

// deliveryAttempts reads the delivery counter from the message headers,
// treating a missing or unreadable header as the first delivery.
func deliveryAttempts(headers amqp.Table) int {
	v, ok := headers[attemptsHeader]
	if !ok {
		return 1
	}
	switch n := v.(type) {
	case int32:
		return int(n)
	case int64:
		return int(n)
	case int:
		return n
	default:
		return 1
	}
}
