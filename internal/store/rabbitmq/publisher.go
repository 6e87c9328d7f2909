// Package rabbitmq publishes campaign jobs for the worker binary. The main
// queue dead-letters to a DLQ; a retry queue TTLs messages back onto the
// main queue.
package rabbitmq

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type Publisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// JobMessage is the wire format shared with cmd/worker.
type JobMessage struct {
	JobID string `json:"job_id"`
}

func NewPublisher(url, queue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	if err := DeclareQueues(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	return &Publisher{conn: conn, ch: ch, queue: queue}, nil
}

// QueueSpec is one durable queue in the campaign topology.
type QueueSpec struct {
	Name string
	Args amqp.Table
}

// QueueSpecs returns the campaign topology for a main queue name: rejected
// jobs land on the DLQ, and anything pushed onto the retry queue
// dead-letters back to the main queue for another attempt.
func QueueSpecs(queue string) []QueueSpec {
	return []QueueSpec{
		{Name: queue + ".dlq"},
		{Name: queue + ".retry", Args: amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": queue,
		}},
		{Name: queue, Args: amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": queue + ".dlq",
		}},
	}
}

// DeclareQueues declares the campaign topology on a channel. Both the
// publisher and the worker must declare through here: the broker rejects a
// redeclaration whose arguments differ from the existing queue's.
func DeclareQueues(ch *amqp.Channel, queue string) error {
	for _, q := range QueueSpecs(queue) {
		if _, err := ch.QueueDeclare(q.Name, true, false, false, false, q.Args); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// PublishJob enqueues one campaign job id for the worker.
func (p *Publisher) PublishJob(ctx context.Context, jobID string) error {
	body, err := json.Marshal(JobMessage{JobID: jobID})
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return p.ch.PublishWithContext(cctx,
		"",      // default exchange
		p.queue, // routing key = queue name
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    jobID,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}
