package receiver

import "time"

// onChunkArrival re-arms the NACK timer on every chunk that records new
// data: the grace period runs from the LAST chunk of this segment, so
// a NACK never fires while the burst is still streaming in, and progress
// resets the exponential backoff to its base interval.
func (b *assemblyBuffer) onChunkArrival(now time.Time, grace time.Duration) {
	if !b.hasArrived {
		b.hasArrived = true
		b.firstArrival = now
	}
	b.nackInterval = grace
	b.nextNackDeadline = now.Add(grace)
}

// dueForNack reports whether this segment's NACK timer has fired.
func (b *assemblyBuffer) dueForNack(now time.Time) bool {
	return b.hasArrived && !b.complete() && !now.Before(b.nextNackDeadline)
}

// scheduleNextNack doubles the backoff interval, capped at capDur, and arms
// the next deadline.
func (b *assemblyBuffer) scheduleNextNack(now time.Time, capDur time.Duration) {
	interval := b.nackInterval * 2
	if interval > capDur {
		interval = capDur
	}
	b.nackInterval = interval
	b.nextNackDeadline = now.Add(interval)
}

// nackGrace computes max(1.5*RTT, 20ms).
func nackGrace(rtt time.Duration) time.Duration {
	scaled := time.Duration(float64(rtt) * 1.5)
	const floor = 20 * time.Millisecond
	if scaled < floor {
		return floor
	}
	return scaled
}

// nackBackoffCap computes 4*RTT, floored at the base grace so a zero/very
// small RTT sample never collapses the backoff ceiling below its own floor.
func nackBackoffCap(rtt time.Duration) time.Duration {
	capDur := 4 * rtt
	grace := nackGrace(rtt)
	if capDur < grace {
		return grace
	}
	return capDur
}
