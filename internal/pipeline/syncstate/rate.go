package syncstate

import "time"

type sample struct {
	at    time.Time
	value int64
}

// rateWindow estimates blocks per second from the samples inside a
// trailing time window.
type rateWindow struct {
	span    time.Duration
	samples []sample
}

func newRateWindow(span time.Duration) *rateWindow {
	return &rateWindow{span: span}
}

// add records value at now. A value equal to the newest sample is not
// recorded again.
func (w *rateWindow) add(now time.Time, value int64) {
	if n := len(w.samples); n > 0 && w.samples[n-1].value == value {
		w.trim(now)
		return
	}
	w.samples = append(w.samples, sample{at: now, value: value})
	w.trim(now)
}

// reset drops history, used when the value moves backwards.
func (w *rateWindow) reset() {
	w.samples = w.samples[:0]
}

func (w *rateWindow) trim(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.samples)-1 && w.samples[i].at.Before(cutoff) {
		i++
	}
	w.samples = w.samples[i:]
}

// rate is zero until two distinct samples exist.
func (w *rateWindow) rate(now time.Time) float64 {
	w.trim(now)
	if len(w.samples) < 2 {
		return 0
	}
	first, last := w.samples[0], w.samples[len(w.samples)-1]
	dt := now.Sub(first.at).Seconds()
	if dt <= 0 || last.value <= first.value {
		return 0
	}
	return float64(last.value-first.value) / dt
}
