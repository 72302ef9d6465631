package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const amqpReconnectWait = 2 * time.Second

var errAMQPDisconnected = errors.New("amqp connection is down")

// amqpSession is one connection plus its confirm-mode channel.
type amqpSession interface {
	declare(queue string) error
	publish(ctx context.Context, queue string, msg amqp.Publishing) (confirmation, error)
	// done is closed once the connection or the channel is gone.
	done() <-chan struct{}
	err() error
	isClosed() bool
	close() error
}

type confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

type amqpDialFunc func(url string) (amqpSession, error)

// AMQPPublisher publishes to a durable queue per topic through the default
// exchange, with publisher confirms enabled. Publishes from different
// streams share the channel without a lock; the mutex only guards the
// session pointer and queue declarations. A lost connection is re-dialed in
// the background until Close.
type AMQPPublisher struct {
	url           string
	dial          amqpDialFunc
	reconnectWait time.Duration

	mu       sync.Mutex
	sess     amqpSession
	declared map[string]bool
	closed   bool

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewAMQPPublisher(amqpURL, topic string) (*AMQPPublisher, error) {
	return newAMQPPublisher(amqpURL, topic, dialAMQP, amqpReconnectWait)
}

func newAMQPPublisher(url, topic string, dial amqpDialFunc, reconnectWait time.Duration) (*AMQPPublisher, error) {
	sess, err := dial(url)
	if err != nil {
		return nil, err
	}
	if err := sess.declare(topic); err != nil {
		sess.close()
		return nil, fmt.Errorf("declare queue %s: %w", topic, err)
	}

	p := &AMQPPublisher{
		url:           url,
		dial:          dial,
		reconnectWait: reconnectWait,
		sess:          sess,
		declared:      map[string]bool{topic: true},
		stop:          make(chan struct{}),
	}
	p.wg.Add(1)
	go p.watch(sess)
	return p, nil
}

// session returns the live session with queue declared on it.
func (p *AMQPPublisher) session(queue string) (amqpSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sess == nil {
		return nil, errAMQPDisconnected
	}
	if !p.declared[queue] {
		if err := p.sess.declare(queue); err != nil {
			return nil, fmt.Errorf("declare queue %s: %w", queue, err)
		}
		p.declared[queue] = true
	}
	return p.sess, nil
}

// Publish sends payload to the queue named topic and waits for the broker
// confirm. A nack is reported as an error.
func (p *AMQPPublisher) Publish(ctx context.Context, topic string, key, payload []byte) error {
	sess, err := p.session(topic)
	if err != nil {
		return err
	}

	dc, err := sess.publish(ctx, topic, amqp.Publishing{
		ContentType:  "application/octet-stream",
		DeliveryMode: amqp.Persistent,
		MessageId:    MessageID(key, payload),
		Timestamp:    time.Now().UTC(),
		Headers:      amqp.Table{KeyHeader: string(key)},
		Body:         payload,
	})
	if err != nil {
		return fmt.Errorf("amqp publish %s: %w", topic, err)
	}

	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("amqp confirm %s: %w", topic, err)
	}
	if !acked {
		return errors.New("amqp publish nacked by broker")
	}
	return nil
}

// watch replaces sess whenever it dies, until Close.
func (p *AMQPPublisher) watch(sess amqpSession) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case <-sess.done():
		}

		slog.Warn("AMQP disconnected", "error", sess.err())
		p.mu.Lock()
		if p.sess == sess {
			p.sess = nil
			p.declared = make(map[string]bool)
		}
		p.mu.Unlock()

		if sess = p.redial(); sess == nil {
			return
		}
		slog.Info("AMQP reconnected")
	}
}

func (p *AMQPPublisher) redial() amqpSession {
	for {
		select {
		case <-p.stop:
			return nil
		case <-time.After(p.reconnectWait):
		}

		sess, err := p.dial(p.url)
		if err != nil {
			slog.Warn("AMQP reconnect failed", "error", err)
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			sess.close()
			return nil
		}
		p.sess = sess
		p.mu.Unlock()
		return sess
	}
}

func (p *AMQPPublisher) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sess != nil && !p.sess.isClosed()
}

// Close stops reconnecting and closes the current session.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	sess := p.sess
	p.sess = nil
	p.mu.Unlock()

	close(p.stop)
	var err error
	if sess != nil {
		err = sess.close()
	}
	p.wg.Wait()
	return err
}

// liveSession is the amqp091 implementation of amqpSession.
type liveSession struct {
	conn    *amqp.Connection
	channel *amqp.Channel

	closedCh chan struct{}
	closeErr error
}

func dialAMQP(url string) (amqpSession, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("amqp confirm mode: %w", err)
	}

	s := &liveSession{conn: conn, channel: ch, closedCh: make(chan struct{})}
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		var amqpErr *amqp.Error
		select {
		case amqpErr = <-connClosed:
		case amqpErr = <-chClosed:
		}
		if amqpErr != nil {
			s.closeErr = amqpErr
		}
		close(s.closedCh)
	}()
	return s, nil
}

func (s *liveSession) declare(queue string) error {
	_, err := s.channel.QueueDeclare(
		queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	return err
}

func (s *liveSession) publish(ctx context.Context, queue string, msg amqp.Publishing) (confirmation, error) {
	return s.channel.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, msg)
}

func (s *liveSession) done() <-chan struct{} { return s.closedCh }

// err is only meaningful after done is closed.
func (s *liveSession) err() error { return s.closeErr }

func (s *liveSession) isClosed() bool {
	return s.conn.IsClosed() || s.channel.IsClosed()
}

func (s *liveSession) close() error {
	if s.conn.IsClosed() {
		return nil
	}
	return s.conn.Close()
}
