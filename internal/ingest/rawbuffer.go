package ingest

// DefaultRawBatchSize is how many captured messages accumulate before the
// buffer hands a batch to the store.
const DefaultRawBatchSize = 100

// RawBuffer batches raw inbound events for audit/replay so the hot path
// never issues one insert per message. Purely additive: undecodable payloads
// are still captured with a nil decoded form.
type RawBuffer struct {
	batchSize int
	buf       []RawMessage
}

// NewRawBuffer creates a RawBuffer flushing at the given batch size.
func NewRawBuffer(batchSize int) *RawBuffer {
	if batchSize <= 0 {
		batchSize = DefaultRawBatchSize
	}

	return &RawBuffer{
		batchSize: batchSize,
		buf:       make([]RawMessage, 0, batchSize),
	}
}

// Append adds one message. When the buffer reaches the batch size it returns
// the full batch (ownership passes to the caller) and resets; otherwise it
// returns nil.
func (b *RawBuffer) Append(msg RawMessage) []RawMessage {
	b.buf = append(b.buf, msg)

	if len(b.buf) < b.batchSize {
		return nil
	}

	return b.take()
}

// Drain returns whatever is buffered, or nil when empty. Called from the
// Coordinator's shutdown path.
func (b *RawBuffer) Drain() []RawMessage {
	if len(b.buf) == 0 {
		return nil
	}

	return b.take()
}

// Len reports how many messages are buffered.
func (b *RawBuffer) Len() int { return len(b.buf) }

func (b *RawBuffer) take() []RawMessage {
	batch := b.buf
	b.buf = make([]RawMessage, 0, b.batchSize)

	return batch
}
