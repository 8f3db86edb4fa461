package voice

import (
	"sync"
	"time"
)

const DefaultDisconnectWindow = 2 * time.Second

type DisconnectOutcome uint8

const (
	// DisconnectArmed: the first request was recorded; repeat it within the
	// window to leave.
	DisconnectArmed DisconnectOutcome = iota + 1
	DisconnectLeft
)

func (o DisconnectOutcome) String() string {
	switch o {
	case DisconnectArmed:
		return "armed"
	case DisconnectLeft:
		return "left"
	default:
		return "unknown"
	}
}

// disconnectConfirm is the two-step confirmation: Idle -> Armed(deadline) ->
// confirmed or back to Idle once the deadline passes.
type disconnectConfirm struct {
	mu sync.Mutex

	window   time.Duration
	now      func() time.Time
	schedule scheduleFunc

	armed    bool
	deadline time.Time
	stop     func() bool
	epoch    uint64
}

func newDisconnectConfirm(window time.Duration) *disconnectConfirm {
	if window <= 0 {
		window = DefaultDisconnectWindow
	}

	return &disconnectConfirm{
		window:   window,
		now:      time.Now,
		schedule: afterFunc,
	}
}

// request reports true when it confirms an armed request.
func (d *disconnectConfirm) request() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopTimer()
	d.epoch++

	now := d.now()
	if d.armed && now.Before(d.deadline) {
		d.armed = false
		return true
	}

	d.armed = true
	d.deadline = now.Add(d.window)

	epoch := d.epoch
	d.stop = d.schedule(d.window, func() { d.expire(epoch) })

	return false
}

func (d *disconnectConfirm) expire(epoch uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.epoch != epoch {
		return
	}

	d.armed = false
	d.stop = nil
}

func (d *disconnectConfirm) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopTimer()
	d.epoch++
	d.armed = false
}

func (d *disconnectConfirm) isArmed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.armed
}

func (d *disconnectConfirm) stopTimer() {
	if d.stop != nil {
		d.stop()
		d.stop = nil
	}
}
