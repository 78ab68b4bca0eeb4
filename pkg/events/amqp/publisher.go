package amqp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/pario-ai/spendguard/pkg/override"
)

const publishTimeout = 5 * time.Second

// Publisher sends override signals to a durable direct exchange. The
// routing key is the signal name, so consumers bind a queue per signal.
type Publisher struct {
	mu           sync.Mutex
	conn         *amqp091.Connection
	channel      *amqp091.Channel
	exchangeName string
	log          *zap.Logger
}

// NewPublisher dials url and declares the exchange. logger may be nil.
func NewPublisher(url, exchangeName string, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial AMQP: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	p := &Publisher{
		conn:         conn,
		channel:      channel,
		exchangeName: exchangeName,
		log:          logger,
	}

	err = channel.ExchangeDeclare(
		exchangeName, // name
		"direct",     // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	return p, nil
}

// Publish sends one resolution event.
func (p *Publisher) Publish(ctx context.Context, ev override.Event) error {
	body, err := NewOverrideMessage(ev).ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.channel.PublishWithContext(
		ctx,
		p.exchangeName,    // exchange
		string(ev.Signal), // routing key
		false,             // mandatory
		false,             // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    ev.ActionID.String(),
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}

	p.log.Debug("published override signal",
		zap.String("signal", string(ev.Signal)),
		zap.Stringer("action_id", ev.ActionID),
		zap.String("exchange", p.exchangeName),
	)
	return nil
}

// Handle publishes ev and logs failures. It can be subscribed to an override.Bus.
func (p *Publisher) Handle(ev override.Event) {
	if p == nil {
		return
	}
	if err := p.Publish(context.Background(), ev); err != nil {
		p.log.Warn("publish override signal", zap.Stringer("action_id", ev.ActionID), zap.Error(err))
	}
}

// Close closes the channel and connection.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
