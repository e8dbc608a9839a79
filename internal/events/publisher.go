// Package events публикует события проведённых записей журнала для внешних
// потребителей. Публикация выполняется после фиксации транзакции и не влияет
// на результат операции.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mmeshcher/distributor-ledger/internal/model"
)

const defaultTopic = "ledger.entries"

// EntryPosted описывает событие одной проведённой записи журнала.
type EntryPosted struct {
	EntryID      int64     `json:"entry_id"`
	AccountEmail string    `json:"account_email"`
	Kind         string    `json:"kind"`
	Amount       float64   `json:"amount"`
	Reference    string    `json:"reference,omitempty"`
	NewBalance   float64   `json:"new_balance"`
	CreatedAt    time.Time `json:"created_at"`
}

// Publisher отправляет события записей журнала в kafka.
type Publisher struct {
	writer *kafka.Writer
}

// NewPublisher создаёт издателя событий для указанных брокеров.
func NewPublisher(brokers []string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        defaultTopic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
		},
	}
}

// PublishEntry отправляет событие о проведённой записи. Ключ сообщения —
// адрес счёта, чтобы события одного счёта попадали в одну партицию.
func (p *Publisher) PublishEntry(ctx context.Context, entry *model.LedgerEntry, newBalance int64) error {
	event := EntryPosted{
		EntryID:      entry.ID,
		AccountEmail: entry.AccountEmail,
		Kind:         string(entry.Kind),
		Amount:       float64(entry.Amount) / 100,
		Reference:    entry.Reference,
		NewBalance:   float64(newBalance) / 100,
		CreatedAt:    entry.CreatedAt,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal entry event: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(entry.AccountEmail),
		Value: data,
	})
	if err != nil {
		return fmt.Errorf("write entry event: %w", err)
	}

	return nil
}

// Close закрывает соединение с брокерами.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
