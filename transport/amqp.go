package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
)

const queuePrefix = "taskmesh.peer."

// AMQPTransport delivers envelopes through an AMQP broker: one durable queue
// per peer id, JSON bodies, reply-to correlation for request/response.
type AMQPTransport struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	self     string
	handlers *handlerSet

	replyQueue string
	mu         sync.Mutex
	pending    map[string]chan Envelope
	closed     bool
}

// NewAMQPTransport dials the broker, declares this peer's queue and reply
// queue, and starts the consumer loop.
func NewAMQPTransport(url, peerID string) (*AMQPTransport, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	t := &AMQPTransport{
		conn:     conn,
		channel:  ch,
		self:     peerID,
		handlers: newHandlerSet(),
		pending:  make(map[string]chan Envelope),
	}

	if _, err := ch.QueueDeclare(queuePrefix+peerID, true, false, false, false, nil); err != nil {
		t.Close()
		return nil, fmt.Errorf("declare peer queue: %w", err)
	}
	reply, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("declare reply queue: %w", err)
	}
	t.replyQueue = reply.Name

	msgs, err := ch.Consume(queuePrefix+peerID, "", true, false, false, false, nil)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("consume peer queue: %w", err)
	}
	replies, err := ch.Consume(reply.Name, "", true, true, false, false, nil)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("consume reply queue: %w", err)
	}

	go t.consume(msgs)
	go t.consumeReplies(replies)
	return t, nil
}

func (t *AMQPTransport) Self() string { return t.self }

func (t *AMQPTransport) Handle(msgType string, h HandlerFunc) {
	t.handlers.set(msgType, h)
}

func (t *AMQPTransport) Send(ctx context.Context, peer string, env Envelope) error {
	return t.publish(peer, env, "", "")
}

func (t *AMQPTransport) Request(ctx context.Context, peer string, env Envelope) (Envelope, error) {
	corrID := uuid.NewString()
	ch := make(chan Envelope, 1)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return Envelope{}, ErrClosed
	}
	t.pending[corrID] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, corrID)
		t.mu.Unlock()
	}()

	if err := t.publish(peer, env, corrID, t.replyQueue); err != nil {
		return Envelope{}, err
	}
	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (t *AMQPTransport) publish(peer string, env Envelope, corrID, replyTo string) error {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	env.From = t.self
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return t.channel.Publish("", queuePrefix+peer, false, false, amqp.Publishing{
		ContentType:   "application/json",
		Body:          body,
		CorrelationId: corrID,
		ReplyTo:       replyTo,
		Timestamp:     time.Now(),
	})
}

func (t *AMQPTransport) consume(msgs <-chan amqp.Delivery) {
	for d := range msgs {
		var env Envelope
		if err := json.Unmarshal(d.Body, &env); err != nil {
			log.Printf("transport %s: drop malformed message: %v", t.self, err)
			continue
		}
		fn, ok := t.handlers.get(env.Type)
		if !ok {
			log.Printf("transport %s: no handler for %s from %s", t.self, env.Type, env.From)
			continue
		}
		go func(d amqp.Delivery, env Envelope) {
			reply, err := fn(context.Background(), env.From, env)
			if err != nil {
				log.Printf("transport %s: handler %s: %v", t.self, env.Type, err)
			}
			if reply != nil && d.ReplyTo != "" {
				reply.From = t.self
				body, merr := json.Marshal(reply)
				if merr != nil {
					log.Printf("transport %s: encode reply: %v", t.self, merr)
					return
				}
				if perr := t.channel.Publish("", d.ReplyTo, false, false, amqp.Publishing{
					ContentType:   "application/json",
					Body:          body,
					CorrelationId: d.CorrelationId,
				}); perr != nil {
					log.Printf("transport %s: publish reply: %v", t.self, perr)
				}
			}
		}(d, env)
	}
}

func (t *AMQPTransport) consumeReplies(msgs <-chan amqp.Delivery) {
	for d := range msgs {
		var env Envelope
		if err := json.Unmarshal(d.Body, &env); err != nil {
			log.Printf("transport %s: drop malformed reply: %v", t.self, err)
			continue
		}
		t.mu.Lock()
		ch, ok := t.pending[d.CorrelationId]
		t.mu.Unlock()
		if ok {
			ch <- env
		}
	}
}

func (t *AMQPTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	if t.channel != nil {
		_ = t.channel.Close()
	}
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}
