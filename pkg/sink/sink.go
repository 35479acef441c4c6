// Package sink validates, flattens and persists chat messages.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Sternrassler/graph-export/pkg/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var messagesStoredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "graph_export_messages_stored_total",
	Help: "Total messages handled by the sink by result",
}, []string{"result"})

var (
	// ErrMissingField is returned when a message lacks a required identity field.
	ErrMissingField = errors.New("missing required field")

	// ErrInvalidField is returned when an identity field cannot be parsed.
	ErrInvalidField = errors.New("invalid field")
)

// MessageWriter persists flattened messages.
type MessageWriter interface {
	InsertMessage(ctx context.Context, rec *model.MessageRecord) (bool, error)
}

// Counter receives progress events.
type Counter interface {
	AddItemProcessed()
	AddBytesWritten(n int64)
}

// Sink is the per-item unit of work of the pre-processing stage.
type Sink struct {
	writer  MessageWriter
	counter Counter
	logger  zerolog.Logger
}

// New creates a sink. counter may be nil.
func New(writer MessageWriter, counter Counter, logger zerolog.Logger) *Sink {
	return &Sink{
		writer:  writer,
		counter: counter,
		logger:  logger.With().Str("component", "sink").Logger(),
	}
}

// auditRecord is the stored payload: the message as received plus the
// fields derived during export.
type auditRecord struct {
	Mailbox       string          `json:"mailbox"`
	PartitionDate string          `json:"partitionDate"`
	Sender        model.Sender    `json:"sender"`
	Message       json.RawMessage `json:"message"`
}

// Process validates msg, derives its flattened record and stores it unless
// already present.
func (s *Sink) Process(ctx context.Context, mailboxID string, msg model.Message) error {
	rec, err := s.Record(mailboxID, msg)
	if err != nil {
		return err
	}

	inserted, err := s.writer.InsertMessage(ctx, rec)
	if err != nil {
		return err
	}

	if inserted {
		messagesStoredTotal.WithLabelValues("inserted").Inc()
	} else {
		messagesStoredTotal.WithLabelValues("duplicate").Inc()
		s.logger.Debug().
			Str("mailbox", mailboxID).
			Str("chat_id", msg.ChatID).
			Str("message_id", msg.ID).
			Msg("Message already stored")
	}

	if s.counter != nil {
		s.counter.AddItemProcessed()
		s.counter.AddBytesWritten(int64(len(rec.RawPayload)))
	}
	return nil
}

// Record builds the persisted form of msg without storing it.
func (s *Sink) Record(mailboxID string, msg model.Message) (*model.MessageRecord, error) {
	if msg.ChatID == "" {
		return nil, fmt.Errorf("%w: chatId on message %q of mailbox %s", ErrMissingField, msg.ID, mailboxID)
	}
	if msg.ID == "" {
		return nil, fmt.Errorf("%w: id on message in chat %s of mailbox %s", ErrMissingField, msg.ChatID, mailboxID)
	}

	numericID, err := msg.NumericID()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidField, err)
	}

	raw := msg.Raw
	if len(raw) == 0 {
		if raw, err = json.Marshal(msg); err != nil {
			return nil, fmt.Errorf("encode message %s: %w", msg.ID, err)
		}
	}

	sender := msg.From.Resolve()
	partition := msg.PartitionDate()

	payload, err := json.Marshal(auditRecord{
		Mailbox:       mailboxID,
		PartitionDate: partition.Format(model.PartitionDateLayout),
		Sender:        sender,
		Message:       raw,
	})
	if err != nil {
		return nil, fmt.Errorf("encode audit record for %s: %w", msg.ID, err)
	}

	return &model.MessageRecord{
		Mailbox:       mailboxID,
		ChatID:        msg.ChatID,
		NumericID:     numericID,
		CreatedAt:     msg.Created,
		ModifiedAt:    msg.LastModified,
		PartitionDate: partition,
		Sender:        sender,
		RawPayload:    payload,
	}, nil
}
