package engine

import (
	"reflect"

	"go.uber.org/zap"

	"merosslink/pkg/meross"
)

// initHandlers populates the namespace dispatch table. Unknown namespaces
// fall through to a debug log in dispatch.
func (e *Engine) initHandlers() {
	e.handlers = map[string]func(*meross.Message){
		meross.NSSystemAll:       e.handleAll,
		meross.NSSystemAbility:   e.handleAbility,
		meross.NSSystemDebug:     e.handleDebug,
		meross.NSSystemClock:     e.handleClock,
		meross.NSSystemOnline:    e.handleOnline,
		meross.NSSystemTime:      e.handleTime,
		meross.NSSystemDNDMode:   e.handleDNDMode,
		meross.NSSystemRuntime:   e.handleRuntime,
		meross.NSSystemReport:    e.handleReport,
		meross.NSControlMultiple: e.handleMultiple,
		meross.NSControlBind:     e.handleBind,
		meross.NSControlUnbind:   e.handleUnbind,
	}
}

func (e *Engine) handleAll(msg *meross.Message) {
	prevFirmware := e.descriptor.FirmwareVersion()
	prevTimezone := e.descriptor.Timezone()

	e.descriptor.Update(msg.Payload)

	if s := e.findStrategy(meross.NSSystemAll); s != nil {
		if size := msg.Size() + headerOverhead; size > s.ResponseSize {
			s.ResponseSize = size
		}
	}
	e.refreshStrategies()

	if e.descriptor.FirmwareVersion() != prevFirmware || e.descriptor.Timezone() != prevTimezone {
		e.saveDescriptor()
		if e.descriptor.FirmwareVersion() != prevFirmware {
			// New firmware may expose a different ability set.
			_, _ = e.sendRequest(meross.DefaultRequest(meross.NSSystemAbility))
		}
	}
}

func (e *Engine) handleAbility(msg *meross.Message) {
	next := meross.NewDescriptor(map[string]any{meross.KeyAbility: msg.Payload[meross.KeyAbility]})
	if reflect.DeepEqual(next.Ability, e.descriptor.Ability) {
		return
	}
	e.logger.Info("ability set changed", zap.Int("abilities", len(next.Ability)))
	e.descriptor.SetAbility(msg.Payload[meross.KeyAbility])
	e.refreshStrategies()
	e.saveDescriptor()
	if e.callbacks.AbilitiesChanged != nil {
		e.callbacks.AbilitiesChanged(e.id)
	}
}

func (e *Engine) handleDebug(msg *meross.Message) {
	debug, ok := msg.Payload[meross.KeyDebug].(map[string]any)
	if !ok {
		return
	}
	e.debugPayload = debug
	e.debugAt = e.clock.Now()
}

func (e *Engine) handleOnline(msg *meross.Message) {
	online, ok := msg.Payload[meross.KeyOnline].(map[string]any)
	if !ok {
		return
	}
	status, _ := online["status"].(float64)
	if int(status) != 1 {
		// The broker reports the device session gone; MQTT is a dead end
		// until the device re-binds.
		e.logger.Info("device offline upstream", zap.Int("status", int(status)))
		e.setMQTTActive(false)
	}
}

func (e *Engine) handleTime(msg *meross.Message) {
	t, ok := msg.Payload[meross.KeyTime].(map[string]any)
	if !ok {
		return
	}
	prevTimezone := e.descriptor.Timezone()
	e.descriptor.UpdateTime(t)
	if e.descriptor.Timezone() != prevTimezone {
		e.saveDescriptor()
	}
}

func (e *Engine) handleDNDMode(msg *meross.Message) {
	dnd, ok := msg.Payload[meross.KeyDNDMode].(map[string]any)
	if !ok {
		return
	}
	mode, _ := dnd[meross.KeyMode].(float64)
	e.dndMode = int(mode)
}

func (e *Engine) handleRuntime(msg *meross.Message) {
	runtime, ok := msg.Payload[meross.KeyRuntime].(map[string]any)
	if !ok {
		return
	}
	signal, _ := runtime[meross.KeySignal].(float64)
	e.signal = int(signal)
}

func (e *Engine) handleReport(msg *meross.Message) {
	e.logger.Debug("device report", zap.Any("report", msg.Payload[meross.KeyReport]))
}

// handleBind acknowledges a device announcing its binding to our broker.
func (e *Engine) handleBind(msg *meross.Message) {
	if msg.Header.Method != meross.MethodPush && msg.Header.Method != meross.MethodSet {
		return
	}
	if !e.mqttPublishable() {
		return
	}
	ts := e.clock.Now().Unix()
	ack := &meross.Message{
		Header: meross.Header{
			MessageID:      msg.Header.MessageID,
			Namespace:      meross.NSControlBind,
			Method:         meross.MethodSetAck,
			PayloadVersion: 1,
			From:           e.conn.ResponseTopic(),
			Timestamp:      ts,
			Sign:           meross.Sign(msg.Header.MessageID, e.key, ts),
		},
		Payload: map[string]any{},
	}
	_ = e.mqttSend(ack)
}

func (e *Engine) handleUnbind(msg *meross.Message) {
	e.logger.Warn("device unbound itself")
	e.setOffline()
}

func (e *Engine) saveDescriptor() {
	if e.callbacks.SaveDescriptor != nil {
		e.callbacks.SaveDescriptor(e.id, e.descriptor.Raw())
	}
}

// BrokerCandidates lists the broker endpoints the device is known to use,
// most authoritative first: a recent debug payload names the server the
// device is actually attached to, the descriptor only its configured one.
func (e *Engine) BrokerCandidates() []meross.HostAddress {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []meross.HostAddress
	if e.debugPayload != nil && e.clock.Now().Sub(e.debugAt) < heartbeatPeriod {
		if addr, ok := debugBroker(e.debugPayload); ok {
			out = append(out, addr)
		}
	}
	if addr := e.descriptor.Broker(); addr.Host != "" {
		if len(out) == 0 || out[0] != addr {
			out = append(out, addr)
		}
	}
	return out
}

// debugBroker resolves the active broker from a SYSTEM_DEBUG payload: the
// activeServer matched against main/second server to pick its port.
func debugBroker(debug map[string]any) (meross.HostAddress, bool) {
	cloud, ok := debug["cloud"].(map[string]any)
	if !ok {
		return meross.HostAddress{}, false
	}
	active, _ := cloud["activeServer"].(string)
	if active == "" {
		return meross.HostAddress{}, false
	}
	addr := meross.HostAddress{Host: active, Port: 443}
	main, _ := cloud["mainServer"].(string)
	second, _ := cloud["secondServer"].(string)
	if active == main {
		if p, ok := cloud["mainPort"].(float64); ok {
			addr.Port = int(p)
		}
	} else if active == second {
		if p, ok := cloud["secondPort"].(float64); ok {
			addr.Port = int(p)
		}
	}
	return addr, true
}
