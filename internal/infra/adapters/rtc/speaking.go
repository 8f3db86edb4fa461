package rtc

import "time"

const (
	// уровень в -dBov: 0 - максимум, 127 - тишина
	speakingLevel = 50
	speakingHold  = 400 * time.Millisecond
)

type speakingDetector struct {
	threshold uint8
	hold      time.Duration

	lastLoud time.Time
	speaking bool
}

func newSpeakingDetector() *speakingDetector {
	return &speakingDetector{threshold: speakingLevel, hold: speakingHold}
}

// observe возвращает changed=true, когда состояние переключилось
func (d *speakingDetector) observe(level uint8, now time.Time) (changed, speaking bool) {
	if level <= d.threshold {
		d.lastLoud = now
	}

	next := !d.lastLoud.IsZero() && now.Sub(d.lastLoud) < d.hold
	if next == d.speaking {
		return false, d.speaking
	}

	d.speaking = next

	return true, next
}

// reset гасит состояние; true, если участник считался говорящим
func (d *speakingDetector) reset() bool {
	was := d.speaking
	d.speaking = false
	d.lastLoud = time.Time{}

	return was
}
