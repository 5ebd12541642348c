package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ptgott/one-mailer/email"
	"github.com/ptgott/one-mailer/message"
)

// Outcomes of a send.
const (
	OutcomeSent   = "sent"
	OutcomeFailed = "failed"
)

const keyPrefix = "message:"

// Record is what the Journal remembers about one send.
type Record struct {
	MessageID string    `json:"message_id"`
	From      string    `json:"from"`
	To        []string  `json:"to"`
	Subject   string    `json:"subject"`
	SentAt    time.Time `json:"sent_at"`
	Outcome   string    `json:"outcome"`
	// Kind and Error are set for failures. Kind comes from email.Kind.
	Kind  string `json:"kind,omitempty"`
	Error string `json:"error,omitempty"`
}

// NewRecord describes the result of sending m at time at. sendErr is what
// Transport.Send returned.
func NewRecord(m *message.Message, sendErr error, at time.Time) Record {
	to := make([]string, 0, len(m.To()))
	for _, a := range m.To() {
		to = append(to, a.String())
	}
	r := Record{
		MessageID: m.MessageID(),
		From:      m.From().String(),
		To:        to,
		Subject:   m.Subject(),
		SentAt:    at.UTC(),
		Outcome:   OutcomeSent,
	}
	if sendErr != nil {
		r.Outcome = OutcomeFailed
		r.Kind = email.Kind(sendErr)
		r.Error = sendErr.Error()
	}
	return r
}

// Journal keeps Records in a KeyValue, keyed by Message-ID. Entries expire
// with the store's TTL.
type Journal struct {
	kv KeyValue
}

// NewJournal wraps kv. Closing kv is still up to the caller.
func NewJournal(kv KeyValue) *Journal {
	return &Journal{kv: kv}
}

// Record saves r, replacing an earlier record for the same message.
func (j *Journal) Record(r Record) error {
	if r.MessageID == "" {
		return errors.New("can't journal a record without a Message-ID")
	}
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("can't encode the journal record: %w", err)
	}
	if err := j.kv.Put(KVEntry{Key: key(r.MessageID), Value: b}); err != nil {
		return fmt.Errorf("can't write the journal record: %w", err)
	}
	return nil
}

// Lookup returns the record for a Message-ID, or an error wrapping
// ErrNotFound.
func (j *Journal) Lookup(messageID string) (Record, error) {
	e, err := j.kv.Read(key(messageID))
	if err != nil {
		return Record{}, fmt.Errorf("can't read the journal record for %v: %w", messageID, err)
	}
	var r Record
	if err := json.Unmarshal(e.Value, &r); err != nil {
		return Record{}, fmt.Errorf("the journal record for %v is corrupt: %w", messageID, err)
	}
	return r, nil
}

func key(messageID string) []byte {
	return []byte(keyPrefix + messageID)
}
