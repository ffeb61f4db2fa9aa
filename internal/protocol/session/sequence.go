package session

import "sync/atomic"

// Sequence hands out per-session frame sequence numbers. Zero is never issued;
// panels use it for unsolicited frames.
type Sequence struct {
	n atomic.Uint32
}

func (s *Sequence) Next() uint16 {
	for {
		v := uint16(s.n.Add(1))
		if v != 0 {
			return v
		}
	}
}
