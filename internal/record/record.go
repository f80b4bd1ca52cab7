// Package record defines the immutable unit of data exchanged between the
// ingester, operator and sink stages of a pipeline.
package record

import "time"

// Record is a single decoded message in transit between pipeline stages.
//
// Fingerprint is the durable-log (JetStream) sequence number assigned when the
// record was published, not a hash of the payload: it is globally unique within
// a stream and doubles as the sink's idempotency key.
type Record struct {
	Payload         []byte
	Fingerprint     uint64
	SourceTopic     string
	SourceOffset    uint64
	SourceTimestamp time.Time
	DurableSeq      uint64
}

// KeyedRecord extends Record with a key extracted from the payload by the
// dedup/join configuration.
type KeyedRecord struct {
	Record
	Key any
}
