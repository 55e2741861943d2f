package profile

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"merosslink/internal/engine"
	"merosslink/pkg/clock"
	"merosslink/pkg/meross"
	"merosslink/pkg/mqtt"
)

const testDeviceID = "0123456789abcdef0123456789abcdef"

type discoveryRecorder struct {
	mu       sync.Mutex
	payloads map[string]map[string]any
}

func (r *discoveryRecorder) record(deviceID string, payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.payloads == nil {
		r.payloads = map[string]map[string]any{}
	}
	r.payloads[deviceID] = payload
}

func (r *discoveryRecorder) get(deviceID string) (map[string]any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payloads[deviceID]
	return p, ok
}

func newTestConn(t *testing.T, opts ConnOptions) (*Conn, *clock.Fake, *discoveryRecorder) {
	t.Helper()
	fake := clock.NewFake(time.Unix(1700000000, 0))
	rec := &discoveryRecorder{}
	opts.Broker = meross.HostAddress{Host: "broker.local", Port: 1883}
	opts.Key = testKey
	opts.ClientID = "app:test"
	opts.ResponseTopic = meross.TopicResponse(testProfileID + "-test")
	opts.Clock = fake
	opts.OnDiscovered = rec.record
	c, err := NewConn(opts)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, fake, rec
}

func deviceMessage(method, namespace string, payload map[string]any) *meross.Message {
	return meross.NewMessage(testKey, meross.Request{
		Namespace: namespace,
		Method:    method,
		Payload:   payload,
	}, "/appliance/"+testDeviceID+"/publish")
}

func (c *Conn) discoveryState(deviceID string) (*discovery, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.discoveries[deviceID]
	return d, ok
}

func TestDiscoveryHandshake(t *testing.T) {
	c, _, rec := newTestConn(t, ConnOptions{AllowPublish: true})

	// A push from an unknown device opens discovery.
	c.HandleMessage(deviceMessage(meross.MethodPush, "Appliance.Control.ToggleX", map[string]any{}))
	d, ok := c.discoveryState(testDeviceID)
	require.True(t, ok)
	assert.Equal(t, 1, d.requests)
	assert.Equal(t, meross.NSSystemAll, d.missing())

	allPayload := map[string]any{"system": map[string]any{
		"hardware": map[string]any{"uuid": testDeviceID, "type": "mss310"},
	}}
	c.HandleMessage(deviceMessage(meross.MethodGetAck, meross.NSSystemAll,
		map[string]any{meross.KeyAll: allPayload}))
	d, ok = c.discoveryState(testDeviceID)
	require.True(t, ok, "still tracked until ability arrives")
	assert.Equal(t, meross.NSSystemAbility, d.missing())

	abilityPayload := map[string]any{meross.NSSystemAll: map[string]any{}}
	c.HandleMessage(deviceMessage(meross.MethodGetAck, meross.NSSystemAbility,
		map[string]any{meross.KeyAbility: abilityPayload}))

	_, ok = c.discoveryState(testDeviceID)
	assert.False(t, ok, "tracking ceases on completion")

	payload, ok := rec.get(testDeviceID)
	require.True(t, ok, "discovery event emitted")
	assert.Equal(t, allPayload, payload[meross.KeyAll])
	assert.Equal(t, abilityPayload, payload[meross.KeyAbility])
}

func TestDiscoveryRepeatedPushDoesNotBurnQueries(t *testing.T) {
	c, _, _ := newTestConn(t, ConnOptions{AllowPublish: true})

	for i := 0; i < 4; i++ {
		c.HandleMessage(deviceMessage(meross.MethodPush, "Appliance.Control.ToggleX", map[string]any{}))
	}
	d, ok := c.discoveryState(testDeviceID)
	require.True(t, ok)
	assert.Equal(t, 1, d.requests, "only the opening query counts")
}

func TestDiscoveryEviction(t *testing.T) {
	c, fake, rec := newTestConn(t, ConnOptions{AllowPublish: true})

	c.HandleMessage(deviceMessage(meross.MethodPush, "Appliance.Control.ToggleX", map[string]any{}))

	// The device never answers: each tick past the availability window burns
	// a query until the budget is exhausted.
	for i := 0; i < 10; i++ {
		fake.Advance(availabilityTimeout + discoveryTickSlack)
	}

	_, ok := c.discoveryState(testDeviceID)
	assert.False(t, ok, "silent device evicted")
	_, emitted := rec.get(testDeviceID)
	assert.False(t, emitted)
}

func TestKnownDeviceDropped(t *testing.T) {
	c, _, _ := newTestConn(t, ConnOptions{
		AllowPublish: true,
		KnownDevice:  func(string) bool { return true },
	})

	c.HandleMessage(deviceMessage(meross.MethodPush, "Appliance.Control.ToggleX", map[string]any{}))
	_, ok := c.discoveryState(testDeviceID)
	assert.False(t, ok, "configured devices never enter discovery")
}

func TestAttachedEngineReceivesMessages(t *testing.T) {
	c, _, _ := newTestConn(t, ConnOptions{AllowPublish: true})

	fakeClock := clock.NewFake(time.Unix(1700000000, 0))
	e, err := engine.New(engine.Options{
		ID:       testDeviceID,
		Key:      testKey,
		Protocol: engine.ProtocolMQTT,
		Clock:    fakeClock,
	})
	require.NoError(t, err)
	t.Cleanup(e.Stop)

	c.Attach(e)
	assert.True(t, c.Attached(testDeviceID))

	c.HandleMessage(deviceMessage(meross.MethodGetAck, meross.NSSystemAll,
		map[string]any{meross.KeyAll: map[string]any{}}))
	assert.True(t, e.Online(), "inbound traffic reached the engine")
	_, ok := c.discoveryState(testDeviceID)
	assert.False(t, ok)

	assert.Equal(t, 0, c.Detach(testDeviceID))
	assert.False(t, c.Attached(testDeviceID))
}

func TestRouteDeliversToUnattachedEngine(t *testing.T) {
	fakeClock := clock.NewFake(time.Unix(1700000000, 0))
	e, err := engine.New(engine.Options{
		ID:       testDeviceID,
		Key:      testKey,
		Protocol: engine.ProtocolMQTT,
		Clock:    fakeClock,
	})
	require.NoError(t, err)
	t.Cleanup(e.Stop)

	c, _, _ := newTestConn(t, ConnOptions{
		AllowPublish: true,
		Route: func(msg *meross.Message) bool {
			if msg.Header.DeviceID() != testDeviceID {
				return false
			}
			e.HandleMessage(msg)
			return true
		},
	})

	// The device is configured on the host but bound to another broker;
	// its traffic is routed instead of entering discovery.
	c.HandleMessage(deviceMessage(meross.MethodGetAck, meross.NSSystemAll,
		map[string]any{meross.KeyAll: map[string]any{}}))
	assert.True(t, e.Online(), "routed traffic reached the engine")
	_, ok := c.discoveryState(testDeviceID)
	assert.False(t, ok)
}

func TestMethodPriority(t *testing.T) {
	assert.Equal(t, mqtt.PriorityHigh, methodPriority(meross.MethodSet))
	assert.Equal(t, mqtt.PriorityNormal, methodPriority(meross.MethodPush))
	assert.Equal(t, mqtt.PriorityLow, methodPriority(meross.MethodGet))
	assert.Equal(t, mqtt.PriorityLow, methodPriority(meross.MethodGetAck))
}
