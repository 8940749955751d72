package messaging

import (
	"context"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/fpgaproxy/pkg/circuit"
	"github.com/bardlex/fpgaproxy/pkg/errors"
	"github.com/bardlex/fpgaproxy/pkg/log"
	"github.com/bardlex/fpgaproxy/pkg/retry"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// messageWriter is the part of kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes telemetry to Kafka, one writer per topic
type KafkaProducer struct {
	brokers        []string
	logger         *log.Logger
	writers        map[string]messageWriter
	writersMu      sync.RWMutex
	newWriter      func(topic string) messageWriter
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewKafkaProducer creates a producer. Writers are created lazily per topic.
func NewKafkaProducer(brokers []string, logger *log.Logger) *KafkaProducer {
	k := &KafkaProducer{
		brokers: brokers,
		logger:  logger.WithComponent("kafka"),
		writers: make(map[string]messageWriter),
		circuitBreaker: circuit.New(&circuit.Config{
			Name:            "kafka",
			MaxFailures:     5,
			SuccessRequired: 2,
			Timeout:         15 * time.Second,
			ErrorType:       errors.ErrorTypeKafka,
		}),
		retryConfig: retry.TelemetryConfig(),
	}
	k.newWriter = k.kafkaWriter
	return k
}

func (k *KafkaProducer) kafkaWriter(topic string) messageWriter {
	return &kafka.Writer{
		Addr:                   kafka.TCP(k.brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           kafka.RequireOne,
		Async:                  false,
		BatchSize:              10,
		BatchTimeout:           10 * time.Millisecond,
		Compression:            kafka.Snappy,
		AllowAutoTopicCreation: true,
	}
}

// producer gets or creates the writer for a topic
func (k *KafkaProducer) producer(topic string) messageWriter {
	k.writersMu.RLock()
	if writer, exists := k.writers[topic]; exists {
		k.writersMu.RUnlock()
		return writer
	}
	k.writersMu.RUnlock()

	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	// Double-check after acquiring write lock
	if writer, exists := k.writers[topic]; exists {
		return writer
	}

	writer := k.newWriter(topic)
	k.writers[topic] = writer
	k.logger.Info("created Kafka producer", "topic", topic)
	return writer
}

// PublishProto publishes a protobuf message to Kafka
func (k *KafkaProducer) PublishProto(ctx context.Context, topic, key string, msg proto.Message) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_marshal",
			"failed to marshal protobuf message").
			WithContext("topic", topic).
			WithContext("key", key)
	}
	return k.publish(ctx, "publish_proto", topic, key, data)
}

// PublishJSON publishes a JSON-encoded value to Kafka
func (k *KafkaProducer) PublishJSON(ctx context.Context, topic, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "json_marshal",
			"failed to marshal JSON message").
			WithContext("topic", topic)
	}
	return k.publish(ctx, "publish_json", topic, key, data)
}

func (k *KafkaProducer) publish(ctx context.Context, op, topic, key string, data []byte) error {
	return k.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.retryConfig, func() error {
			kafkaMsg := kafka.Message{
				Key:   []byte(key),
				Value: data,
				Time:  time.Now(),
			}

			if err := k.producer(topic).WriteMessages(ctx, kafkaMsg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeKafka, op,
					"failed to publish message to Kafka").
					WithContext("topic", topic).
					WithContext("key", key).
					WithContext("message_size", len(data))
			}

			k.logger.Debug("published message", "topic", topic, "key", key, "size", len(data))
			return nil
		})
	})
}

// RecordJob publishes the job as JSON keyed by job id.
func (k *KafkaProducer) RecordJob(ctx context.Context, msg JobMessage) error {
	return k.PublishJSON(ctx, TopicJobs, msg.JobID, msg)
}

// RecordShare publishes the share as a protobuf Struct.
func (k *KafkaProducer) RecordShare(ctx context.Context, msg ShareMessage) error {
	s, err := ShareStruct(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "record_share", "failed to build share struct")
	}
	return k.PublishProto(ctx, TopicShares, msg.JobID, s)
}

// RecordShareResult publishes the verdict as JSON.
func (k *KafkaProducer) RecordShareResult(ctx context.Context, msg ShareResultMessage) error {
	return k.PublishJSON(ctx, TopicShareResults, msg.JobID, msg)
}

// RecordHashrate publishes the work estimate as JSON.
func (k *KafkaProducer) RecordHashrate(ctx context.Context, msg HashrateMessage) error {
	return k.PublishJSON(ctx, TopicHashrate, msg.JobID, msg)
}

// RecordStatus publishes the snapshot as JSON.
func (k *KafkaProducer) RecordStatus(ctx context.Context, msg StatusMessage) error {
	return k.PublishJSON(ctx, TopicStatus, "status", msg)
}

// ShareStruct converts a share to a protobuf Struct.
func ShareStruct(msg ShareMessage) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"submit_id":    msg.SubmitID,
		"job_id":       msg.JobID,
		"session":      msg.Session,
		"worker":       msg.Worker,
		"extra_nonce2": msg.ExtraNonce2,
		"ntime":        msg.NTime,
		"nonce":        msg.Nonce,
		"hash":         msg.Hash,
		"difficulty":   msg.Difficulty,
		"placeholder":  msg.Placeholder,
		"submitted_at": msg.SubmittedAt.UTC().Format(time.RFC3339Nano),
	})
}

// Close closes all producers
func (k *KafkaProducer) Close() error {
	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	var lastErr error
	for topic, writer := range k.writers {
		if err := writer.Close(); err != nil {
			k.logger.Error("failed to close producer", "topic", topic, "error", err)
			lastErr = err
		}
	}

	k.writers = make(map[string]messageWriter)
	return lastErr
}
