package engine

import (
	"time"

	"go.uber.org/zap"

	"merosslink/pkg/meross"
)

// reconcileClock tracks the drift between our clock and the device's, read
// from every reply's header timestamp. Small jitter is smoothed, a step
// change is taken as-is. When the device is locally brokered and supports
// the clock namespace we nudge it to re-sync, rate limited; otherwise the
// drift is only logged, and rarely.
func (e *Engine) reconcileClock(now time.Time, deviceTimestamp int64) {
	if deviceTimestamp == 0 {
		return
	}
	delta := now.Sub(time.Unix(deviceTimestamp, 0)).Seconds()
	tolerance := timestampTolerance.Seconds()

	if absSeconds(delta) <= tolerance {
		e.deviceTimedelta = 0
		return
	}

	if absSeconds(e.deviceTimedelta-delta) > tolerance {
		e.deviceTimedelta = delta
	} else {
		e.deviceTimedelta = (4*e.deviceTimedelta + delta) / 5
	}

	if e.mqttLocallyActive() && e.descriptor.HasAbility(meross.NSSystemClock) {
		if e.clockPushAt.IsZero() || now.Sub(e.clockPushAt) > clockPushCooldown {
			e.pushDeviceClock(now)
		}
		return
	}

	inDeadzone := !e.clockPushAt.IsZero() && now.Sub(e.clockPushAt) <= clockWarnDeadzone
	if inDeadzone {
		return
	}
	if e.clockWarnAt.IsZero() || now.Sub(e.clockWarnAt) > clockWarnLockout {
		e.clockWarnAt = now
		e.logger.Warn("device clock drift",
			zap.Float64("delta_seconds", e.deviceTimedelta))
	}
}

// pushDeviceClock publishes our epoch to trigger a device-side re-sync.
func (e *Engine) pushDeviceClock(now time.Time) {
	e.clockPushAt = now
	if !e.mqttPublishable() {
		return
	}
	_ = e.mqttSend(e.newMQTTMessage(meross.Request{
		Namespace: meross.NSSystemClock,
		Method:    meross.MethodPush,
		Payload: map[string]any{
			meross.KeyClock: map[string]any{meross.KeyTimestamp: now.Unix()},
		},
	}))
}

// handleClock answers the clock broadcast devices emit on boot.
func (e *Engine) handleClock(msg *meross.Message) {
	if msg.Header.Method != meross.MethodPush {
		return
	}
	now := e.clock.Now()
	if e.clockPushAt.IsZero() || now.Sub(e.clockPushAt) > clockWarnDeadzone {
		e.pushDeviceClock(now)
	}
}
