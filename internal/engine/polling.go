package engine

import (
	"time"

	"merosslink/pkg/meross"
)

// pollingCallback is the single timer-driven poll sweep. It checks
// availability, runs heartbeats, sweeps the strategy table, flushes the
// batch, and reschedules itself at the current polling delay.
func (e *Engine) pollingCallback() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.polling = true
	defer func() {
		e.polling = false
		if !e.stopped && e.timer != nil {
			e.timer.Reset(e.pollingDelay)
		}
	}()

	skip := e.triggerNamespace
	e.triggerNamespace = ""
	now := e.clock.Now()

	// Ask the profile for a broker binding when we don't have one.
	if e.conn == nil && e.profile != nil && e.configProtocol != ProtocolHTTP {
		e.profile.RequestAttach(e.id)
	}

	if e.online {
		e.checkAvailability(now)
	}

	if e.online {
		e.runHeartbeats(now)
		if e.mqttLocallyActive() && absSeconds(e.deviceTimedelta) <= timestampTolerance.Seconds() &&
			!now.Before(e.tzNextCheck) {
			e.checkTimezone(now)
		}
		e.sweep(now, skip)
		e.flushMultiple()
		e.pollingDelay = e.pollingPeriod
		return
	}

	// Offline: probe SYSTEM_ALL over each allowed transport in order.
	probe := meross.DefaultRequest(meross.NSSystemAll)
	if e.http != nil && e.configProtocol != ProtocolMQTT {
		_, _ = e.httpSend(probe, httpPollAttempts)
	}
	if !e.online && e.mqttPublishable() && e.configProtocol != ProtocolHTTP {
		_ = e.mqttSend(e.newMQTTMessage(probe))
	}

	if e.online {
		e.sweep(now, meross.NSSystemAll)
		e.flushMultiple()
		e.pollingDelay = e.pollingPeriod
		return
	}

	// Unanswered: back off, capped at the heartbeat period.
	e.pollingDelay += e.pollingPeriod
	if e.pollingDelay > heartbeatPeriod {
		e.pollingDelay = heartbeatPeriod
	}
}

// checkAvailability marks the device offline when the previous request went
// unanswered, first retrying over HTTP when AUTO was riding MQTT.
func (e *Engine) checkAvailability(now time.Time) {
	if e.lastResponse.After(e.lastRequest) {
		return
	}
	if !e.lastRequest.IsZero() && now.Sub(e.lastRequest) < e.pollingPeriod-2*time.Second {
		return
	}
	if e.configProtocol == ProtocolAuto && e.curProtocol == ProtocolMQTT && e.http != nil {
		e.switchProtocol(ProtocolHTTP)
		return
	}
	e.setOffline()
}

// runHeartbeats fires out-of-band probes on transports that went silent.
func (e *Engine) runHeartbeats(now time.Time) {
	// Online over MQTT while preferring HTTP: probe the LAN endpoint so the
	// engine can switch back as soon as it recovers.
	if e.http != nil && !e.httpActive && e.prefProtocol == ProtocolHTTP &&
		(e.httpLastRequest.IsZero() || now.Sub(e.httpLastRequest) >= heartbeatPeriod) {
		_, _ = e.httpSend(meross.DefaultRequest(meross.NSSystemAll), 1)
	}

	// Local brokers push state changes, so a quiet MQTT link is normal up to
	// the heartbeat period. Past it, probe once, then declare it inactive.
	if e.mqttActive && e.conn != nil && !e.conn.IsCloud() &&
		now.Sub(e.mqttLastResponse) >= heartbeatPeriod {
		if now.Sub(e.mqttLastRequest) >= heartbeatPeriod {
			if e.mqttSend(e.newMQTTMessage(meross.DefaultRequest(meross.NSSystemAll))) != nil {
				e.setMQTTActive(false)
			}
		} else {
			e.setMQTTActive(false)
		}
	}
}

func absSeconds(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
