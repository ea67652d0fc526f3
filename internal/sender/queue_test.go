package sender

import "testing"

func TestEnqueueDequeueFIFO(t *testing.T) {
	q := newSendQueue(100, 10, 5)
	q.Enqueue(queuedChunk{chunkID: 1})
	q.Enqueue(queuedChunk{chunkID: 2})

	a, ok := q.Dequeue()
	if !ok || a.chunkID != 1 {
		t.Fatalf("expected chunkID 1 first, got %+v ok=%v", a, ok)
	}
	b, ok := q.Dequeue()
	if !ok || b.chunkID != 2 {
		t.Fatalf("expected chunkID 2 second, got %+v ok=%v", b, ok)
	}
}

func TestEnqueueFrontJumpsQueue(t *testing.T) {
	q := newSendQueue(100, 10, 5)
	q.Enqueue(queuedChunk{chunkID: 1})
	q.EnqueueFront(queuedChunk{chunkID: 99})

	first, _ := q.Dequeue()
	if first.chunkID != 99 {
		t.Errorf("expected NACK retransmit at front, got chunkID %d", first.chunkID)
	}
}

func TestBackpressurePausesAtMinCapacity(t *testing.T) {
	q := newSendQueue(10, 3, 1) // pause above 7, resume at/below 9... use small numbers
	for i := 0; i < 8; i++ {
		q.Enqueue(queuedChunk{chunkID: uint32(i)})
	}
	q.mu.Lock()
	paused := q.paused
	q.mu.Unlock()
	if !paused {
		t.Error("expected queue paused once fill exceeds capacity-minCapacity")
	}
}

func TestBackpressureResumesAtResumeCapacity(t *testing.T) {
	q := newSendQueue(10, 3, 8) // pause above 7, resume at/below 2
	for i := 0; i < 8; i++ {
		q.Enqueue(queuedChunk{chunkID: uint32(i)})
	}
	for i := 0; i < 7; i++ {
		q.Dequeue()
	}
	q.mu.Lock()
	paused := q.paused
	q.mu.Unlock()
	if paused {
		t.Error("expected queue resumed once fill dropped to capacity-resumeCapacity")
	}
}

func TestCloseUnblocksDequeue(t *testing.T) {
	q := newSendQueue(10, 3, 1)
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Dequeue()
		done <- ok
	}()
	q.Close()
	if ok := <-done; ok {
		t.Error("expected Dequeue to return ok=false after Close on empty queue")
	}
}
