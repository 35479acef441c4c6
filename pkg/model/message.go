package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// PartitionDateLayout formats the partition key derived from LastModified.
const PartitionDateLayout = "2006-01-02"

// Message is one chat message returned by the messaging API.
//
// Raw holds the payload exactly as received so downstream consumers keep
// fields this type does not model.
type Message struct {
	ID           string          `json:"id"`
	ChatID       string          `json:"chatId"`
	Created      time.Time       `json:"createdDateTime"`
	LastModified time.Time       `json:"lastModifiedDateTime"`
	From         *IdentitySet    `json:"from"`
	Raw          json.RawMessage `json:"-"`
}

// UnmarshalJSON decodes the modelled fields and retains the raw payload.
func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*m = Message(p)
	m.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// NumericID parses the externally assigned id.
func (m *Message) NumericID() (int64, error) {
	n, err := strconv.ParseInt(m.ID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse message id %q: %w", m.ID, err)
	}
	return n, nil
}

// PartitionDate is the UTC date component of LastModified.
func (m *Message) PartitionDate() time.Time {
	t := m.LastModified.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// MessageRecord is the persisted, flattened form of a Message.
type MessageRecord struct {
	Mailbox       string
	ChatID        string
	NumericID     int64
	CreatedAt     time.Time
	ModifiedAt    time.Time
	PartitionDate time.Time
	Sender        Sender
	RawPayload    []byte
}
