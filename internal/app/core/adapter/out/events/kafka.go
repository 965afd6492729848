package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/JoeShih716/go-fin-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-fin-ledger/internal/app/core/usecase"
)

// EventTypeEntryRecorded 事件類型，放在 header 方便 consumer 分流
const EventTypeEntryRecorded = "ledger.entry_recorded"

// messageWriter *kafka.Writer 的最小介面
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher 把 EntryRecorded 寫到 Kafka topic
// message key 為帳戶 ID，同一個帳戶的事件會落在同一個 partition 保持順序
type KafkaPublisher struct {
	writer messageWriter
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			// 每筆交易提交後同步發送一則，不等湊批
			BatchSize:    1,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

// PublishEntryRecorded 實作 usecase.EventPublisher
func (p *KafkaPublisher) PublishEntryRecorded(ctx context.Context, event domain.EntryRecorded) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(event.AccountID, 10)),
		Value: body,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(EventTypeEntryRecorded)},
		},
		Time: event.OccurredAt,
	})
	if err != nil {
		return fmt.Errorf("write kafka message: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

var _ usecase.EventPublisher = (*KafkaPublisher)(nil)
