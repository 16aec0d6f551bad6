package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// Producer Kafka生产者（对话用量事件）
type Producer struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

// UsageEvent 对话用量事件
// 发送成功后异步投递，失败只记录日志，不影响发送主流程
type UsageEvent struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	UserID         string    `json:"user_id"`
	ModelID        string    `json:"model_id"`
	Role           string    `json:"role"`
	InputTokens    int       `json:"input_tokens"`
	OutputTokens   int       `json:"output_tokens"`
	TotalTokens    int       `json:"total_tokens"`
	CostCents      int       `json:"cost_cents"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewProducer 创建Kafka生产者
func NewProducer(brokers []string, topic string, logger *zap.Logger) (*Producer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Timeout = 10 * time.Second

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	logger.Info("Kafka producer initialized",
		zap.Strings("brokers", brokers),
		zap.String("topic", topic))

	return &Producer{
		producer: producer,
		topic:    topic,
		logger:   logger,
	}, nil
}

// SendUsageEvent 发送用量事件到Kafka
func (p *Producer) SendUsageEvent(event *UsageEvent) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka producer not initialized")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal usage event: %w", err)
	}

	kafkaMsg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(fmt.Sprintf("%s-%s", event.UserID, event.ConversationID)),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{
				Key:   []byte("user_id"),
				Value: []byte(event.UserID),
			},
			{
				Key:   []byte("model_id"),
				Value: []byte(event.ModelID),
			},
		},
	}

	partition, offset, err := p.producer.SendMessage(kafkaMsg)
	if err != nil {
		p.logger.Error("failed to send usage event", zap.Error(err))
		return fmt.Errorf("failed to send usage event: %w", err)
	}

	p.logger.Debug("usage event sent",
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
		zap.String("conversation_id", event.ConversationID))

	return nil
}

// Close 关闭生产者
func (p *Producer) Close() error {
	if p != nil && p.producer != nil {
		return p.producer.Close()
	}
	return nil
}
