package media

import "time"

// Segment is one recorded chunk. Sequence numbers start at 1 and increase by
// one per emitted segment; Data is never modified after emission.
type Segment struct {
	Sequence  uint64
	Data      []byte
	Extension Extension
	// ProducedAtOffset is the time since recording started, on the producer clock.
	ProducedAtOffset time.Duration
	// ProducedAt is the producer wall-clock time of emission.
	ProducedAt time.Time
}

// ByteSize returns the segment payload size.
func (s Segment) ByteSize() int {
	return len(s.Data)
}
