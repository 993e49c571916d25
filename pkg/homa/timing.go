package homa

import "github.com/homa-transport/homa-go/pkg/wire"

// timerKind distinguishes the per-message timers.
type timerKind uint8

const (
	timerResend timerKind = iota
	timerPing
	timerTimeout
)

func (k timerKind) String() string {
	switch k {
	case timerResend:
		return "resend"
	case timerPing:
		return "ping"
	default:
		return "timeout"
	}
}

type timerKey struct {
	id   wire.MessageID
	kind timerKind
}

// timerWheel schedules per-message timers on a monotonically advancing tick.
// It is not safe for concurrent use; Sender and Receiver each drive their own
// wheel under their lock.
type timerWheel struct {
	size     uint64
	buckets  []map[timerKey]uint64
	expiries map[timerKey]uint64
	lastTick uint64
}

func newTimerWheel(size uint64) *timerWheel {
	w := &timerWheel{
		size:     size,
		buckets:  make([]map[timerKey]uint64, size),
		expiries: make(map[timerKey]uint64),
	}
	for i := range w.buckets {
		w.buckets[i] = make(map[timerKey]uint64)
	}

	return w
}

// schedule arms (or re-arms) the timer of the given kind for id. Expiries in
// the past fire on the next advance.
func (w *timerWheel) schedule(id wire.MessageID, kind timerKind, expiry uint64) {
	key := timerKey{id: id, kind: kind}
	w.remove(key)

	if expiry <= w.lastTick {
		expiry = w.lastTick + 1
	}

	w.buckets[expiry%w.size][key] = expiry
	w.expiries[key] = expiry
}

// cancel disarms one timer of id, if armed.
func (w *timerWheel) cancel(id wire.MessageID, kind timerKind) {
	w.remove(timerKey{id: id, kind: kind})
}

// cancelAll disarms every timer of id.
func (w *timerWheel) cancelAll(id wire.MessageID) {
	for _, kind := range []timerKind{timerResend, timerPing, timerTimeout} {
		w.remove(timerKey{id: id, kind: kind})
	}
}

func (w *timerWheel) remove(key timerKey) {
	if expiry, ok := w.expiries[key]; ok {
		delete(w.buckets[expiry%w.size], key)
		delete(w.expiries, key)
	}
}

// advance moves the wheel to now and fires every timer that has expired.
// Callbacks may schedule and cancel timers.
func (w *timerWheel) advance(now uint64, fire func(id wire.MessageID, kind timerKind)) {
	if now <= w.lastTick {
		return
	}

	var fired []timerKey

	if now-w.lastTick >= w.size {
		// The whole wheel has turned over; every bucket is due.
		for key, expiry := range w.expiries {
			if expiry <= now {
				fired = append(fired, key)
			}
		}
	} else {
		for t := w.lastTick + 1; t <= now; t++ {
			for key, expiry := range w.buckets[t%w.size] {
				if expiry <= now {
					fired = append(fired, key)
				}
			}
		}
	}

	w.lastTick = now

	for _, key := range fired {
		// A callback of an earlier key may have canceled this one.
		if _, ok := w.expiries[key]; !ok {
			continue
		}
		w.remove(key)
		fire(key.id, key.kind)
	}
}
