// Package broker implements the fabric's Message Broker: typed queues
// (fifo, priority, delayed, pub-sub), at-least-once delivery with
// priority-then-age ordering, ack/nack/reject/retry outcomes, dead-letter
// routing, and optional AES-256-GCM at-rest encryption.
//
//	Send ──► queue.messages ──► Poll ──► consumer in-flight ──► Complete
//	                 ▲                         │
//	                 └──── nack/retry delay ────┘
//	                                │
//	                          DLQ (reject / exhausted nacks)
package broker
