package types

import "time"

// QueueType is the dispatch semantics of a Queue.
type QueueType string

const (
	QueueFIFO     QueueType = "fifo"
	QueuePriority QueueType = "priority"
	QueueDelayed  QueueType = "delayed"
	QueuePubSub   QueueType = "pub-sub"
)

// Queue is a typed mailbox.
type Queue struct {
	Name                   string
	Type                   QueueType
	MaxSize                int
	MaxMessageSize         int
	MessageRetentionSeconds int64
	DeadLetterQueue        string
	DLQThreshold           int
	Encryption             bool
	KeyRotationInterval    time.Duration
	CreatedAt              time.Time
}

// Message is one unit of work flowing through the broker.
//
// Payload is opaque bytes; when the owning queue has Encryption set, Payload
// instead carries a SealedPayload JSON blob (see pkg/broker).
type Message struct {
	ID                   string
	Topic                string
	Payload              []byte
	Headers              map[string]string
	Timestamp            time.Time
	Producer             string
	Priority             int
	Expiry               *time.Time
	DeliveryCount        int
	MaxDeliveryAttempts  int
	DelayUntil           *time.Time
	CorrelationID        string
	ReplyTo              string
	Metadata             map[string]string

	// Set when a message is routed to a dead-letter queue (§4.3.3).
	DeadLetterReason    string
	OriginalQueue       string
	DeadLetterTimestamp *time.Time
}

// Visible reports whether the message should be considered for dispatch at
// time now (i.e. it is not delayed into the future).
func (m *Message) Visible(now time.Time) bool {
	return m.DelayUntil == nil || !m.DelayUntil.After(now)
}

// Expired reports whether the message's expiry has elapsed.
func (m *Message) Expired(now time.Time) bool {
	return m.Expiry != nil && m.Expiry.Before(now)
}

// ConsumerStatus is the lifecycle state of a Consumer.
type ConsumerStatus string

const (
	ConsumerActive  ConsumerStatus = "active"
	ConsumerStopped ConsumerStatus = "stopped"
)

// MessageFilter is a caller-supplied predicate over a Message.
type MessageFilter func(*Message) bool

// Consumer is a broker-side subscription.
type Consumer struct {
	ID            string
	GroupID       string
	Queues        []string
	BatchSize     int
	Prefetch      int
	AckTimeout    time.Duration
	MaxConcurrency int
	Filter        MessageFilter
	Status        ConsumerStatus
	LastHeartbeat time.Time
}

// ResultStatus is the outcome a consumer reports for one processed message.
type ResultStatus string

const (
	ResultAck    ResultStatus = "ack"
	ResultNack   ResultStatus = "nack"
	ResultReject ResultStatus = "reject"
	ResultRetry  ResultStatus = "retry"
)

// ProcessingResult is the tagged-variant result for one dispatched message
// (Ack | Nack{reason?} | Reject{reason?} | Retry{delay_seconds}).
type ProcessingResult struct {
	MessageID    string
	Status       ResultStatus
	Reason       string
	DelaySeconds int
}
