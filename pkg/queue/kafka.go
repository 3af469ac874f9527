package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"pkd/pkg/models"
)

// Message is one raw federation message from the intake topic.
type Message struct {
	Value []byte
}

// Consumer abstracts the intake source.
type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}

type KafkaConsumer struct {
	reader kafkaReader
}

type kafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

func NewKafkaConsumer(cfg KafkaConfig) (*KafkaConsumer, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, fmt.Errorf("kafka group id required")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		MaxWait:        500 * time.Millisecond,
	})
	return &KafkaConsumer{reader: r}, nil
}

func (c *KafkaConsumer) ReadMessage(ctx context.Context) (Message, error) {
	if c == nil || c.reader == nil {
		return Message{}, fmt.Errorf("kafka consumer not initialized")
	}
	msg, err := c.reader.ReadMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{Value: msg.Value}, nil
}

func (c *KafkaConsumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}

// Intake tails a consumer into the queue table until the context ends.
// JSON messages are activity envelopes; their object is the queued
// payload. Anything else is a sealed envelope, stored opaque for the
// drain's decryptor.
func Intake(ctx context.Context, consumer Consumer, store *Store) error {
	for {
		msg, err := consumer.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		if len(msg.Value) == 0 {
			continue
		}
		value := msg.Value
		if json.Valid(value) {
			var activity models.ActivityStream
			if err := json.Unmarshal(value, &activity); err != nil ||
				activity.Type == "" || activity.Actor == "" || len(activity.Object) == 0 {
				log.Printf("queue: intake dropping malformed activity")
				continue
			}
			value = activity.Object
		}
		id, err := store.Enqueue(ctx, value)
		if err != nil {
			return err
		}
		log.Printf("queue: intake enqueued message %d", id)
	}
}
