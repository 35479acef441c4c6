package monitor

import "time"

// rateDepth is the number of window samples averaged into a rate.
const rateDepth = 10

// rateMeter turns a monotonic counter into a smoothed per-second rate. It
// is not safe for concurrent use; the Monitor only touches it while holding
// its render gate.
type rateMeter struct {
	lastValue int64
	lastAt    time.Time
	samples   [rateDepth]float64
	filled    int
	next      int
}

// observe records a sample once at least window has passed since the last one.
func (r *rateMeter) observe(value int64, now time.Time, window time.Duration) {
	if r.lastAt.IsZero() {
		r.lastAt = now
		r.lastValue = value
		return
	}

	elapsed := now.Sub(r.lastAt)
	if elapsed < window || elapsed <= 0 {
		return
	}

	r.samples[r.next] = float64(value-r.lastValue) / elapsed.Seconds()
	r.next = (r.next + 1) % rateDepth
	if r.filled < rateDepth {
		r.filled++
	}
	r.lastAt = now
	r.lastValue = value
}

func (r *rateMeter) average() float64 {
	if r.filled == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < r.filled; i++ {
		sum += r.samples[i]
	}
	return sum / float64(r.filled)
}
