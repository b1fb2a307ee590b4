// Package broker is the Message Broker core (§4.3): typed queues with
// fifo/priority/delayed/pub-sub semantics, at-least-once delivery with
// redelivery counting, dead-letter routing, and optional at-rest
// encryption via KeyRing. Its dispatch-and-ack loop generalizes the
// registry's heartbeat/staleness pattern to per-consumer in-flight
// tracking instead of per-instance liveness.
package broker

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fluxgate/fabric/pkg/events"
	"github.com/fluxgate/fabric/pkg/ferrors"
	"github.com/fluxgate/fabric/pkg/log"
	"github.com/fluxgate/fabric/pkg/metrics"
	"github.com/fluxgate/fabric/pkg/storage"
	"github.com/fluxgate/fabric/pkg/types"
)

// encodeSealed/decodeSealed give SealedPayload a stable on-disk shape so a
// Message's Payload field can carry it as opaque bytes regardless of queue
// encryption being on or off.
func encodeSealed(sealed SealedPayload) []byte {
	data, err := json.Marshal(sealed)
	if err != nil {
		// SealedPayload has no cyclic or unsupported fields; this cannot fail.
		panic(fmt.Sprintf("broker: marshal sealed payload: %v", err))
	}
	return data
}

func decodeSealed(data []byte) (SealedPayload, error) {
	var sealed SealedPayload
	if err := json.Unmarshal(data, &sealed); err != nil {
		return SealedPayload{}, fmt.Errorf("decode sealed payload: %w", err)
	}
	return sealed, nil
}

const (
	nackRedeliveryDelay  = 30 * time.Second
	consumerHeartbeatTTL = 5 * time.Minute
	sweepInterval        = 60 * time.Second
)

type inFlight struct {
	consumerID string
	deadline   time.Time
}

type queueState struct {
	cfg      types.Queue
	messages map[string]*types.Message
	inFlight map[string]inFlight // message_id -> assignment
}

// Broker owns every queue and consumer in one process.
type Broker struct {
	mu      sync.Mutex
	queues  map[string]*queueState
	cons    map[string]*types.Consumer
	keyring *KeyRing
	emitter *events.Emitter
	store   storage.Store
	stopCh  chan struct{}
}

// New creates an empty Broker. keyring may be nil if no queue uses
// encryption; emitter may be nil to disable events.
func New(keyring *KeyRing, emitter *events.Emitter) *Broker {
	return &Broker{
		queues:  make(map[string]*queueState),
		cons:    make(map[string]*types.Consumer),
		keyring: keyring,
		emitter: emitter,
		stopCh:  make(chan struct{}),
	}
}

// SetStore attaches a durable backend that every Send/ack/dead-letter is
// written through to. A nil store (the default) leaves the broker purely
// in-memory, matching the non-goal that durability isn't a default
// guarantee; supplying one is the opt-in §6.2 persistent-state contract.
func (b *Broker) SetStore(store storage.Store) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.store = store
}

// persistMessage write-throughs m to queue's bucket. Failures are logged,
// not returned: the backing store is an optional accelerant for restart
// recovery, not a requirement for Send to succeed.
func (b *Broker) persistMessage(queueName string, m *types.Message) {
	if b.store == nil {
		return
	}
	data, err := json.Marshal(m)
	if err != nil {
		log.Logger.Warn().Err(err).Str("queue", queueName).Str("message_id", m.ID).Msg("failed to encode message for persistence")
		return
	}
	if err := b.store.Put(queueName, m.ID, data); err != nil {
		log.Logger.Warn().Err(err).Str("queue", queueName).Str("message_id", m.ID).Msg("failed to persist message")
	}
}

func (b *Broker) forgetMessage(queueName, messageID string) {
	if b.store == nil {
		return
	}
	if err := b.store.Delete(queueName, messageID); err != nil {
		log.Logger.Warn().Err(err).Str("queue", queueName).Str("message_id", messageID).Msg("failed to remove persisted message")
	}
}

// Start begins the 60s sweep that reclaims timed-out consumers and
// garbage-collects expired messages.
func (b *Broker) Start() {
	go b.sweepLoop()
}

// Stop ends the sweep loop.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// CreateQueue registers a new queue.
func (b *Broker) CreateQueue(cfg types.Queue) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.queues[cfg.Name]; exists {
		return ferrors.New(ferrors.TagDuplicateInstance, fmt.Sprintf("queue %q already exists", cfg.Name))
	}
	if cfg.Encryption && b.keyring == nil {
		return ferrors.New(ferrors.TagPolicyDenied, fmt.Sprintf("queue %q requires encryption but no key ring is configured", cfg.Name))
	}
	cfg.CreatedAt = time.Now()
	b.queues[cfg.Name] = &queueState{
		cfg:      cfg,
		messages: make(map[string]*types.Message),
		inFlight: make(map[string]inFlight),
	}
	return nil
}

// DeleteQueue removes the queue and unregisters every consumer subscribed
// to it. Its pending and in-flight messages leave memory with the queue
// whether or not purge is set (purge empties them first); copies already
// written to an attached store are not deleted in either case.
func (b *Broker) DeleteQueue(name string, purge bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return ferrors.New(ferrors.TagQueueNotFound, name)
	}
	for id, c := range b.cons {
		if containsQueue(c.Queues, name) {
			delete(b.cons, id)
		}
	}
	if purge {
		q.messages = make(map[string]*types.Message)
		q.inFlight = make(map[string]inFlight)
	}
	delete(b.queues, name)
	return nil
}

func containsQueue(queues []string, name string) bool {
	for _, q := range queues {
		if q == name {
			return true
		}
	}
	return false
}

// Send enqueues msg onto queue, enforcing §4.3.1's capacity/size
// invariants and sealing the payload if the queue requires encryption.
func (b *Broker) Send(queueName string, msg *types.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueName]
	if !ok {
		return ferrors.New(ferrors.TagQueueNotFound, queueName)
	}
	if q.cfg.MaxMessageSize > 0 && len(msg.Payload) > q.cfg.MaxMessageSize {
		return ferrors.New(ferrors.TagMessageTooLarge, fmt.Sprintf("message exceeds max_message_size %d", q.cfg.MaxMessageSize))
	}
	if q.cfg.MaxSize > 0 && len(q.messages) >= q.cfg.MaxSize {
		return ferrors.New(ferrors.TagQueueFull, queueName)
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.MaxDeliveryAttempts == 0 {
		msg.MaxDeliveryAttempts = q.cfg.DLQThreshold
	}

	if q.cfg.Encryption {
		if b.keyring == nil {
			return ferrors.New(ferrors.TagPolicyDenied, "no key ring configured for an encrypted queue")
		}
		sealed, err := b.keyring.Seal(msg.Payload)
		if err != nil {
			return ferrors.Wrap(ferrors.TagSerializationError, "failed to seal payload", err)
		}
		msg.Payload = encodeSealed(sealed)
	}

	q.messages[msg.ID] = msg
	b.persistMessage(queueName, msg)
	metrics.QueueDepth.WithLabelValues(queueName).Set(float64(len(q.messages)))
	metrics.MessagesSentTotal.WithLabelValues(queueName).Inc()

	if b.emitter != nil {
		b.emitter.Emit(events.MessageSent, map[string]any{"id": msg.ID, "queue": queueName})
		b.emitter.Emit(events.MessageQueued, map[string]any{"id": msg.ID, "queue": queueName})
	}
	return nil
}

// RegisterConsumer adds a Consumer that can Poll against its Queues.
func (b *Broker) RegisterConsumer(c *types.Consumer) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.Status = types.ConsumerActive
	c.LastHeartbeat = time.Now()
	b.cons[c.ID] = c
	return nil
}

// Heartbeat refreshes a consumer's liveness deadline.
func (b *Broker) Heartbeat(consumerID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.cons[consumerID]
	if !ok {
		return false
	}
	c.LastHeartbeat = time.Now()
	c.Status = types.ConsumerActive
	return true
}

// Poll returns up to min(batch_size, max_concurrency - in_flight)
// messages for consumerID's subscribed queues, ordered by (priority desc,
// timestamp asc) and filtered by the consumer's predicate, per §4.3.2.
func (b *Broker) Poll(consumerID string) ([]*types.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.cons[consumerID]
	if !ok {
		return nil, ferrors.New(ferrors.TagInstanceNotFound, consumerID)
	}

	inFlightCount := 0
	for _, q := range b.queues {
		for _, a := range q.inFlight {
			if a.consumerID == consumerID {
				inFlightCount++
			}
		}
	}
	budget := c.BatchSize
	if room := c.MaxConcurrency - inFlightCount; room < budget {
		budget = room
	}
	if budget <= 0 {
		return nil, nil
	}

	now := time.Now()
	var candidates []*types.Message
	for _, qname := range c.Queues {
		q, ok := b.queues[qname]
		if !ok {
			continue
		}
		for id, m := range q.messages {
			if _, busy := q.inFlight[id]; busy {
				continue
			}
			if !m.Visible(now) || m.Expired(now) {
				continue
			}
			if c.Filter != nil && !c.Filter(m) {
				continue
			}
			candidates = append(candidates, m)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].Timestamp.Before(candidates[j].Timestamp)
	})

	if len(candidates) > budget {
		candidates = candidates[:budget]
	}

	ackTimeout := c.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = time.Minute
	}
	delivered := make([]*types.Message, 0, len(candidates))
	for _, m := range candidates {
		q := b.queueOf(m)
		if q == nil {
			continue
		}
		q.inFlight[m.ID] = inFlight{consumerID: consumerID, deadline: now.Add(ackTimeout)}
		m.DeliveryCount++

		out := m
		if q.cfg.Encryption {
			plain, err := b.decryptForDelivery(m.Payload)
			if err != nil {
				log.Logger.Error().Err(err).Str("message_id", m.ID).Msg("failed to decrypt message payload for delivery")
				continue
			}
			copied := *m
			copied.Payload = plain
			out = &copied
		}
		delivered = append(delivered, out)
	}
	return delivered, nil
}

func (b *Broker) decryptForDelivery(payload []byte) ([]byte, error) {
	if b.keyring == nil {
		return nil, fmt.Errorf("no key ring configured")
	}
	sealed, err := decodeSealed(payload)
	if err != nil {
		return nil, err
	}
	return b.keyring.Open(sealed)
}

func (b *Broker) queueOf(m *types.Message) *queueState {
	for _, q := range b.queues {
		if _, ok := q.messages[m.ID]; ok {
			return q
		}
	}
	return nil
}

func (b *Broker) queueNameOf(q *queueState) string {
	for name, qq := range b.queues {
		if qq == q {
			return name
		}
	}
	return ""
}

// Complete applies one ProcessingResult per §4.3.2's ack/nack/reject/retry
// semantics.
func (b *Broker) Complete(result types.ProcessingResult) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var q *queueState
	var m *types.Message
	for _, qq := range b.queues {
		if msg, ok := qq.messages[result.MessageID]; ok {
			q, m = qq, msg
			break
		}
	}
	if q == nil {
		return ferrors.New(ferrors.TagInstanceNotFound, result.MessageID)
	}
	qname := b.queueNameOf(q)

	switch result.Status {
	case types.ResultAck:
		delete(q.messages, m.ID)
		delete(q.inFlight, m.ID)
		b.forgetMessage(qname, m.ID)
		metrics.MessagesProcessedTotal.WithLabelValues(qname, "ack").Inc()
		b.emit(events.MessageAcknowledged, m.ID, qname)

	case types.ResultNack:
		delete(q.inFlight, m.ID)
		metrics.MessagesProcessedTotal.WithLabelValues(qname, "nack").Inc()
		b.emit(events.MessageNacked, m.ID, qname)
		if m.MaxDeliveryAttempts > 0 && m.DeliveryCount >= m.MaxDeliveryAttempts {
			b.deadLetter(q, qname, m, "Max delivery attempts exceeded")
		} else {
			until := time.Now().Add(nackRedeliveryDelay)
			m.DelayUntil = &until
		}

	case types.ResultReject:
		delete(q.inFlight, m.ID)
		metrics.MessagesProcessedTotal.WithLabelValues(qname, "reject").Inc()
		b.emit(events.MessageRejected, m.ID, qname)
		b.deadLetter(q, qname, m, result.Reason)

	case types.ResultRetry:
		delete(q.inFlight, m.ID)
		metrics.MessagesProcessedTotal.WithLabelValues(qname, "retry").Inc()
		b.emit(events.MessageRetried, m.ID, qname)
		delay := result.DelaySeconds
		if delay <= 0 {
			delay = 30
		}
		until := time.Now().Add(time.Duration(delay) * time.Second)
		m.DelayUntil = &until
		m.DeliveryCount--

	default:
		return ferrors.New(ferrors.TagPolicyDenied, fmt.Sprintf("unknown result status %q", result.Status))
	}

	metrics.QueueDepth.WithLabelValues(qname).Set(float64(len(q.messages)))
	return nil
}

func (b *Broker) emit(kind events.Kind, messageID, queue string) {
	if b.emitter != nil {
		b.emitter.Emit(kind, map[string]any{"id": messageID, "queue": queue})
	}
}

// deadLetter moves m from its owning queue to its configured DLQ,
// annotating it per §4.3.3. Caller holds b.mu.
func (b *Broker) deadLetter(q *queueState, qname string, m *types.Message, reason string) {
	delete(q.messages, m.ID)
	delete(q.inFlight, m.ID)

	if q.cfg.DeadLetterQueue == "" {
		return
	}
	dlq, ok := b.queues[q.cfg.DeadLetterQueue]
	if !ok {
		log.Logger.Warn().Str("queue", qname).Str("dlq", q.cfg.DeadLetterQueue).Msg("dead-letter queue not found")
		return
	}

	now := time.Now()
	m.DeadLetterReason = reason
	m.OriginalQueue = qname
	m.DeadLetterTimestamp = &now
	dlq.messages[m.ID] = m

	b.forgetMessage(qname, m.ID)
	b.persistMessage(q.cfg.DeadLetterQueue, m)

	metrics.DeadLetteredTotal.WithLabelValues(qname).Inc()
	b.emit(events.MessageDeadLettered, m.ID, qname)
}

func (b *Broker) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.sweep()
		case <-b.stopCh:
			return
		}
	}
}

// sweep reclaims in-flight messages held by consumers whose heartbeat has
// lapsed (§4.3.5) and garbage-collects expired messages (§4.3.1).
func (b *Broker) sweep() {
	now := time.Now()

	b.mu.Lock()
	for id, c := range b.cons {
		if c.Status == types.ConsumerActive && now.Sub(c.LastHeartbeat) > consumerHeartbeatTTL {
			c.Status = types.ConsumerStopped
			for _, q := range b.queues {
				for msgID, a := range q.inFlight {
					if a.consumerID == id {
						if m, ok := q.messages[msgID]; ok {
							m.DeliveryCount = 0
						}
						delete(q.inFlight, msgID)
					}
				}
			}
		}
	}

	for qname, q := range b.queues {
		for id, a := range q.inFlight {
			if now.After(a.deadline) {
				delete(q.inFlight, id)
			}
		}
		for id, m := range q.messages {
			if m.Expired(now) {
				delete(q.messages, id)
				delete(q.inFlight, id)
				b.forgetMessage(qname, id)
				b.emit(events.MessageExpired, id, qname)
			}
		}
		metrics.QueueDepth.WithLabelValues(qname).Set(float64(len(q.messages)))
	}
	b.mu.Unlock()
}

// Depth returns the current pending message count for a queue.
func (b *Broker) Depth(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queueName]; ok {
		return len(q.messages)
	}
	return 0
}
