// ABOUTME: Kafka relay protocol: notices broadcast over a shared topic.
// ABOUTME: Each instance consumes with its own group and handles only notices addressed to it.

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
)

// consumeRetryDelay spaces out Consume retries so a broker outage does not
// spin the consume loop.
const consumeRetryDelay = time.Second

// kafkaEnvelope wraps a notice with its addressing for transit on the
// shared topic. Every instance sees every envelope and filters by Target.
type kafkaEnvelope struct {
	Target string  `json:"target"`
	Sender string  `json:"sender"`
	Notice *Notice `json:"notice"`
}

// NoticeHandler receives notices addressed to this instance from the topic.
type NoticeHandler func(notice *Notice)

// KafkaProtocol relays notices through a Kafka topic instead of direct
// instance-to-instance connections. Useful where instances cannot reach
// each other directly but share a broker.
type KafkaProtocol struct {
	selfAddr string
	brokers  []string
	topic    string
	handler  NoticeHandler
	logger   *slog.Logger

	producer sarama.SyncProducer
	group    sarama.ConsumerGroup
	cancel   context.CancelFunc
	running  atomic.Bool
}

// NewKafkaProtocol creates the broker-based relay implementation. The
// handler is invoked for every notice another instance addresses to us.
func NewKafkaProtocol(selfAddr string, brokers []string, topic string, handler NoticeHandler, logger *slog.Logger) *KafkaProtocol {
	return &KafkaProtocol{
		selfAddr: selfAddr,
		brokers:  brokers,
		topic:    topic,
		handler:  handler,
		logger:   logger.With("relay_protocol", "kafka"),
	}
}

// Name implements Protocol.
func (p *KafkaProtocol) Name() string { return "kafka" }

// Init creates the producer and starts the consume loop.
func (p *KafkaProtocol) Init(ctx context.Context) error {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest

	producer, err := sarama.NewSyncProducer(p.brokers, cfg)
	if err != nil {
		return fmt.Errorf("creating kafka producer: %w", err)
	}

	// One consumer group per instance so the topic behaves as a broadcast:
	// every instance sees every envelope.
	groupID := "mallchat-relay-" + strings.ReplaceAll(p.selfAddr, ":", "-")
	group, err := sarama.NewConsumerGroup(p.brokers, groupID, cfg)
	if err != nil {
		producer.Close()
		return fmt.Errorf("creating kafka consumer group: %w", err)
	}

	p.producer = producer
	p.group = group

	loopCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.running.Store(true)
	go p.consumeLoop(loopCtx)

	return nil
}

// Shutdown stops the consume loop and closes the broker connections.
func (p *KafkaProtocol) Shutdown(ctx context.Context) error {
	p.running.Store(false)
	if p.cancel != nil {
		p.cancel()
	}
	var firstErr error
	if p.group != nil {
		if err := p.group.Close(); err != nil {
			firstErr = err
		}
	}
	if p.producer != nil {
		if err := p.producer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Healthy implements Protocol.
func (p *KafkaProtocol) Healthy() bool {
	return p.running.Load()
}

// SupportsTarget rejects empty addresses and this instance's own address.
func (p *KafkaProtocol) SupportsTarget(targetAddr string) bool {
	return targetAddr != "" && targetAddr != p.selfAddr
}

// Send implements Protocol. Keyed by target address so one peer's notices
// stay ordered on a single partition.
func (p *KafkaProtocol) Send(ctx context.Context, targetAddr string, notice *Notice) SendResult {
	if p.producer == nil {
		return SendResult{Code: CodePoolUnavailable}
	}

	value, err := json.Marshal(kafkaEnvelope{
		Target: targetAddr,
		Sender: p.selfAddr,
		Notice: notice,
	})
	if err != nil {
		return failed(fmt.Errorf("encoding envelope: %w", err))
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(targetAddr),
		Value: sarama.ByteEncoder(value),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return failed(fmt.Errorf("producing notice: %w", err))
	}

	p.logger.Debug("notice produced",
		"target", targetAddr,
		"partition", partition,
		"offset", offset,
		"conversation_id", notice.ConversationID,
	)
	return ok()
}

func (p *KafkaProtocol) consumeLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := p.group.Consume(ctx, []string{p.topic}, p); err != nil {
			if err == sarama.ErrClosedConsumerGroup {
				return
			}
			p.logger.Warn("kafka consume error", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(consumeRetryDelay):
			}
		}
	}
}

// Setup implements sarama.ConsumerGroupHandler.
func (p *KafkaProtocol) Setup(sarama.ConsumerGroupSession) error { return nil }

// Cleanup implements sarama.ConsumerGroupHandler.
func (p *KafkaProtocol) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim implements sarama.ConsumerGroupHandler: decode each envelope
// and hand notices addressed to this instance to the local handler.
func (p *KafkaProtocol) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		var envelope kafkaEnvelope
		if err := json.Unmarshal(message.Value, &envelope); err != nil {
			p.logger.Warn("dropping undecodable relay envelope", "error", err)
			session.MarkMessage(message, "")
			continue
		}

		if envelope.Target == p.selfAddr && envelope.Notice != nil && p.handler != nil {
			p.handler(envelope.Notice)
		}
		session.MarkMessage(message, "")
	}
	return nil
}
