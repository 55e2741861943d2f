package engine

import (
	"errors"
	"fmt"

	"merosslink/pkg/meross"
)

// Bind points the device at a new MQTT broker and signing key. Only works
// over the LAN endpoint; the device resets afterwards.
func (e *Engine) Bind(broker meross.HostAddress, key, userID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.http == nil {
		return errors.New("engine: bind requires a LAN host")
	}
	reply, err := e.http.RequestStrict(e.context(), meross.Request{
		Namespace: meross.NSConfigKey,
		Method:    meross.MethodSet,
		Payload: map[string]any{
			meross.KeyKey: map[string]any{
				"gateway": map[string]any{
					"host":       broker.Host,
					"port":       broker.Port,
					"secondHost": broker.Host,
					"secondPort": broker.Port,
				},
				meross.KeyKey: key,
				"userId":      userID,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("bind device %s: %w", e.id, err)
	}
	if reply.Header.Method != meross.MethodSetAck {
		return fmt.Errorf("bind device %s: unexpected reply %s", e.id, reply.Header.Method)
	}
	return nil
}

// Unbind releases the device from its broker. The cloud broker is preferred
// when publishable since its session teardown also removes the pairing; the
// device resets afterwards, so a dropped HTTP connection counts as success.
func (e *Engine) Unbind() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	req := meross.Request{
		Namespace: meross.NSControlUnbind,
		Method:    meross.MethodPush,
		Payload:   map[string]any{},
	}
	if e.mqttPublishable() && e.conn.IsCloud() {
		if err := e.mqttSend(e.newMQTTMessage(req)); err == nil {
			e.setOffline()
			return nil
		}
	}
	if e.http != nil {
		_, err := e.httpSendMessage(meross.NewMessage(e.key, req, e.replyTopic), meross.NSControlUnbind, 1)
		if err != nil {
			return fmt.Errorf("unbind device %s: %w", e.id, err)
		}
		e.setOffline()
		return nil
	}
	if e.mqttPublishable() {
		if err := e.mqttSend(e.newMQTTMessage(req)); err != nil {
			return fmt.Errorf("unbind device %s: %w", e.id, err)
		}
		e.setOffline()
		return nil
	}
	return ErrNoTransport
}
