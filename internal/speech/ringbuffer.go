package speech

// ringBuffer accumulates PCM samples for one session between STT flushes.
// Capacity is fixed at construction; an overflowing write shifts the oldest
// samples out so the newest audio always survives. Not safe for concurrent
// use; the owning session serialises access.
type ringBuffer struct {
	samples  []float32
	writePos int
	// dropped counts samples lost to overflow since the last Drain.
	dropped int
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{samples: make([]float32, capacity)}
}

// Write appends chunk. When chunk exceeds the free space, the oldest
// len(chunk)-free samples are shifted out first. A chunk larger than the
// whole buffer keeps only its newest samples.
func (b *ringBuffer) Write(chunk []float32) {
	if len(chunk) >= len(b.samples) {
		b.dropped += b.writePos + len(chunk) - len(b.samples)
		copy(b.samples, chunk[len(chunk)-len(b.samples):])
		b.writePos = len(b.samples)
		return
	}

	free := len(b.samples) - b.writePos
	if overflow := len(chunk) - free; overflow > 0 {
		copy(b.samples, b.samples[overflow:b.writePos])
		b.writePos -= overflow
		b.dropped += overflow
	}
	copy(b.samples[b.writePos:], chunk)
	b.writePos += len(chunk)
}

// Len returns the number of buffered samples.
func (b *ringBuffer) Len() int { return b.writePos }

// Drain returns a copy of the buffered samples and resets the buffer.
func (b *ringBuffer) Drain() []float32 {
	out := make([]float32, b.writePos)
	copy(out, b.samples[:b.writePos])
	b.writePos = 0
	b.dropped = 0
	return out
}

// Dropped returns the samples lost to overflow since the last Drain.
func (b *ringBuffer) Dropped() int { return b.dropped }
