package consumer

// Record is one stream record delivered to the push callback. Record
// deaggregation and large-object resolution are external collaborators
// per spec.md §1/§6, named only by contract: Data is already the
// fully-resolved payload by the time it reaches Record.
type Record struct {
	SequenceNumber string
	PartitionKey   string
	Data           []byte
}

// Delivery is the payload handed to PushFunc, per spec.md §4.4 step 6.
type Delivery struct {
	Records            []Record
	ShardID             string
	StreamName          string
	MillisBehindLatest  int64
}

// Feedback is the caller's response to a Delivery. SetCheckpoint is only
// honored when UseAutoCheckpoints=false; ContinuePolling is only honored
// when UsePausedPolling=true.
type Feedback struct {
	SetCheckpoint   *string
	ContinuePolling bool
}

// PushFunc is the downstream record-emission surface, the "push callback"
// named only by contract in spec.md §6.
type PushFunc func(Delivery) (Feedback, error)
