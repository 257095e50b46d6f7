package ingest

import (
	"context"

	"github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/logger"
)

// IngestEvent is the JSON payload of a document-ingest message.
type IngestEvent struct {
	DocID uint32 `json:"doc_id"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

// HandleMessage returns a Kafka MessageHandler that adds every ingest event
// to b. Undecodable or invalid messages are logged and acknowledged so they
// do not block the partition. A document whose batch fails to flush stays
// buffered, so the handler still accepts it; pair the consumer with
// Durable to hold offsets until the batch is written.
func HandleMessage(b *Batcher) kafka.MessageHandler {
	log := logger.WithComponent("ingest-consumer")
	return func(ctx context.Context, key []byte, value []byte) error {
		event, err := kafka.DecodeJSON[IngestEvent](value)
		if err != nil {
			log.Error("failed to decode ingest event",
				"error", err,
				"key", string(key),
			)
			return nil
		}
		doc := Document{ID: event.DocID, Title: event.Title, Body: event.Body}
		if err := doc.Validate(); err != nil {
			log.Warn("dropping invalid document", "error", err, "key", string(key))
			return nil
		}
		if err := b.Add(doc); err != nil {
			log.Warn("document buffered but batch flush failed",
				"doc_id", event.DocID,
				"pending", b.Pending(),
				"error", err,
			)
		}
		return nil
	}
}

// Durable reports whether every document handed to b has been written to
// a closed segment. Kafka offsets are safe to commit only while it holds.
func Durable(b *Batcher) func() bool {
	return func() bool { return b.Pending() == 0 }
}
