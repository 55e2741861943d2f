// Package profile implements the cloud-account layer: the persisted profile
// store, the device inventory refresh against the vendor cloud API, and the
// per-broker MQTT connections shared by the account's devices.
package profile

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"merosslink/internal/engine"
	"merosslink/pkg/clock"
	"merosslink/pkg/logx"
	"merosslink/pkg/meross"
	"merosslink/pkg/mqtt"
)

const (
	// availabilityTimeout mirrors the engine's poll answer window; discovery
	// re-issues a query once a device has been silent this long.
	availabilityTimeout = 30 * time.Second
	discoveryTickSlack  = 2 * time.Second
	discoveryMaxQueries = 5

	// cloudPublishInterval paces publishes to vendor brokers, which throttle
	// chatty clients. Local brokers are unpaced.
	cloudPublishInterval = time.Second

	connectTimeout       = 10 * time.Second
	keepAlive            = 30 * time.Second
	maxReconnectInterval = 5 * time.Minute
)

// DiscoveredFunc receives the aggregated payload ("all" + "ability") of a
// device that completed the discovery handshake.
type DiscoveredFunc func(deviceID string, payload map[string]any)

// ConnOptions configures a broker connection.
type ConnOptions struct {
	Broker meross.HostAddress
	// Key signs discovery queries; attached engines sign with their own key.
	Key          string
	ClientID     string
	Username     string
	Password     string
	AllowPublish bool
	// Cloud marks a vendor broker: publish pacing, no wildcard subscription.
	Cloud         bool
	ResponseTopic string

	Logger  *zap.Logger
	Clock   clock.Clock
	Limiter *logx.Limiter
	// Route hands envelopes from devices not attached here to their engines
	// elsewhere on the host (the registry's routing hook). Reports false
	// when the sender is unknown.
	Route func(msg *meross.Message) bool
	// KnownDevice reports whether a device id is configured on the host;
	// known-but-unattached traffic is dropped instead of entering discovery.
	KnownDevice func(deviceID string) bool
	OnDiscovered DiscoveredFunc
}

// discovery tracks one unknown device being interrogated.
type discovery struct {
	start       time.Time
	lastRequest time.Time
	requests    int
	all         map[string]any
	ability     map[string]any
}

func (d *discovery) missing() string {
	if d.all == nil {
		return meross.NSSystemAll
	}
	if d.ability == nil {
		return meross.NSSystemAbility
	}
	return ""
}

// Conn multiplexes one broker socket across the devices bound to it and runs
// the discovery handshake for unknown device ids appearing on the inbound
// topics. It implements engine.MQTTConn.
type Conn struct {
	broker        meross.HostAddress
	key           string
	allowPublish  bool
	cloud         bool
	responseTopic string
	logger        *zap.Logger
	clock         clock.Clock
	limiter       *logx.Limiter
	route         func(*meross.Message) bool
	knownDevice   func(string) bool
	onDiscovered  DiscoveredFunc

	client *mqtt.Client
	queue  *mqtt.SendQueue

	mu          sync.Mutex
	attached    map[string]*engine.Engine
	discoveries map[string]*discovery
	discoTimer  clock.Timer
	connecting  bool
	connected   bool
	closed      bool
}

// NewConn builds a connection handle. The socket is dialed lazily by
// ScheduleConnect.
func NewConn(opts ConnOptions) (*Conn, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(
		zap.String("component", "mqttconn"),
		zap.String("broker", opts.Broker.String()))
	cl := opts.Clock
	if cl == nil {
		cl = clock.New()
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = logx.NewLimiter(cl, time.Minute)
	}

	c := &Conn{
		broker:        opts.Broker,
		key:           opts.Key,
		allowPublish:  opts.AllowPublish,
		cloud:         opts.Cloud,
		responseTopic: opts.ResponseTopic,
		logger:        logger,
		clock:         cl,
		limiter:       limiter,
		route:         opts.Route,
		knownDevice:   opts.KnownDevice,
		onDiscovered:  opts.OnDiscovered,
		attached:      map[string]*engine.Engine{},
		discoveries:   map[string]*discovery{},
	}

	client, err := mqtt.NewClient(&mqtt.Config{
		BrokerURL:            mqtt.BrokerURL(opts.Broker.Host, opts.Broker.Port),
		ClientID:             opts.ClientID,
		Username:             opts.Username,
		Password:             opts.Password,
		InsecureTLS:          opts.Cloud,
		KeepAlive:            keepAlive,
		ConnectTimeout:       connectTimeout,
		AutoReconnect:        true,
		MaxReconnectInterval: maxReconnectInterval,
		OnConnect:            c.handleConnect,
		OnConnectionLost:     c.handleConnectionLost,
	}, logger)
	if err != nil {
		return nil, err
	}
	c.client = client

	interval := time.Duration(0)
	if opts.Cloud {
		interval = cloudPublishInterval
	}
	c.queue = mqtt.NewSendQueue(client, cl, interval, logger)
	return c, nil
}

// Broker implements engine.MQTTConn.
func (c *Conn) Broker() meross.HostAddress { return c.broker }

// AllowPublish implements engine.MQTTConn.
func (c *Conn) AllowPublish() bool { return c.allowPublish }

// IsCloud implements engine.MQTTConn.
func (c *Conn) IsCloud() bool { return c.cloud }

// ResponseTopic implements engine.MQTTConn.
func (c *Conn) ResponseTopic() string { return c.responseTopic }

// Publish implements engine.MQTTConn: encode the envelope and queue it to
// the device command topic, prioritized by method.
func (c *Conn) Publish(deviceID string, msg *meross.Message) error {
	if !c.allowPublish {
		c.logger.Debug("publish forbidden, dropping",
			zap.String("device_id", deviceID),
			zap.String("namespace", msg.Header.Namespace))
		return nil
	}
	if !c.client.IsConnected() {
		return fmt.Errorf("broker %s not connected", c.broker)
	}
	raw, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return c.queue.Enqueue(methodPriority(msg.Header.Method), meross.TopicRequest(deviceID), raw)
}

func methodPriority(method string) mqtt.Priority {
	switch method {
	case meross.MethodSet:
		return mqtt.PriorityHigh
	case meross.MethodPush:
		return mqtt.PriorityNormal
	default:
		return mqtt.PriorityLow
	}
}

// Attach binds an engine to this broker. The socket is dialed if it isn't up
// yet.
func (c *Conn) Attach(e *engine.Engine) {
	c.mu.Lock()
	c.attached[e.ID()] = e
	connected := c.connected
	c.mu.Unlock()

	e.MQTTAttached(c)
	if connected {
		e.MQTTConnected()
	}
	c.ScheduleConnect()
}

// Detach unbinds a device. Returns the number of devices still attached.
func (c *Conn) Detach(deviceID string) int {
	c.mu.Lock()
	e := c.attached[deviceID]
	delete(c.attached, deviceID)
	left := len(c.attached)
	c.mu.Unlock()

	if e != nil {
		e.MQTTDetached()
	}
	return left
}

// Attached reports whether a device is bound to this connection.
func (c *Conn) Attached(deviceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.attached[deviceID]
	return ok
}

// ScheduleConnect dials the broker in the background. Safe to call
// repeatedly; only one dial runs at a time and paho reconnects on its own
// afterwards.
func (c *Conn) ScheduleConnect() {
	c.mu.Lock()
	if c.closed || c.connecting || c.connected {
		c.mu.Unlock()
		return
	}
	c.connecting = true
	c.mu.Unlock()

	go func() {
		err := c.client.Connect()
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
		if err != nil {
			c.logger.Warn("broker dial failed", zap.Error(err))
		}
	}()
}

// Close tears the connection down and detaches every engine.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	engines := make([]*engine.Engine, 0, len(c.attached))
	for _, e := range c.attached {
		engines = append(engines, e)
	}
	c.attached = map[string]*engine.Engine{}
	c.discoveries = map[string]*discovery{}
	if c.discoTimer != nil {
		c.discoTimer.Stop()
	}
	c.mu.Unlock()

	for _, e := range engines {
		e.MQTTDetached()
	}
	c.queue.Stop()
	if c.client.IsConnected() {
		c.client.Disconnect()
	}
}

// handleConnect runs on every (re)connect: subscribe the inbound topics and
// fan the event out to attached engines.
func (c *Conn) handleConnect() {
	if err := c.client.Subscribe(c.responseTopic, 1, c.handleRaw); err != nil {
		c.logger.Error("response topic subscribe failed", zap.Error(err))
	}
	if !c.cloud {
		// Local brokers allow the wildcard; it is what makes discovery of
		// unconfigured devices possible.
		if err := c.client.Subscribe(meross.TopicDiscovery, 1, c.handleRaw); err != nil {
			c.logger.Error("discovery topic subscribe failed", zap.Error(err))
		}
	}

	c.mu.Lock()
	c.connected = true
	engines := c.enginesLocked()
	c.mu.Unlock()
	for _, e := range engines {
		e.MQTTConnected()
	}
}

func (c *Conn) handleConnectionLost(err error) {
	c.mu.Lock()
	c.connected = false
	engines := c.enginesLocked()
	c.mu.Unlock()
	for _, e := range engines {
		e.MQTTDisconnected()
	}
}

func (c *Conn) enginesLocked() []*engine.Engine {
	engines := make([]*engine.Engine, 0, len(c.attached))
	for _, e := range c.attached {
		engines = append(engines, e)
	}
	return engines
}

func (c *Conn) handleRaw(topic string, payload []byte) error {
	msg, err := meross.Decode(payload)
	if err != nil {
		c.logger.Debug("undecodable message", zap.String("topic", topic), zap.Error(err))
		return nil
	}
	c.HandleMessage(msg)
	return nil
}

// HandleMessage routes an inbound envelope by the device id carried in
// header.from: attached engine, host-wide routing for devices bound
// elsewhere, or discovery.
func (c *Conn) HandleMessage(msg *meross.Message) {
	deviceID := msg.Header.DeviceID()
	if deviceID == "" {
		c.logger.Debug("message without device id", zap.String("from", msg.Header.From))
		return
	}

	c.mu.Lock()
	e, ok := c.attached[deviceID]
	c.mu.Unlock()
	if ok {
		e.HandleMessage(msg)
		return
	}

	// Configured HTTP-only, or bound to another broker: its engine still
	// wants the traffic.
	if c.route != nil && c.route(msg) {
		return
	}

	if c.knownDevice != nil && c.knownDevice(deviceID) {
		c.logger.Debug("message for unattached device", zap.String("device_id", deviceID))
		return
	}

	c.track(deviceID, msg)
}

// Discover starts the handshake for a device the cloud inventory announced
// but the host has no configuration for.
func (c *Conn) Discover(deviceID string) {
	c.ScheduleConnect()
	c.track(deviceID, nil)
}

// track accumulates discovery state for deviceID, issuing a query for the
// next missing payload.
func (c *Conn) track(deviceID string, msg *meross.Message) {
	now := c.clock.Now()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	d, ok := c.discoveries[deviceID]
	advanced := !ok
	if !ok {
		d = &discovery{start: now}
		c.discoveries[deviceID] = d
		c.logger.Info("device discovery started", zap.String("device_id", deviceID))
		if c.discoTimer == nil {
			c.discoTimer = c.clock.AfterFunc(availabilityTimeout+discoveryTickSlack, c.discoveryTick)
		} else {
			c.discoTimer.Reset(availabilityTimeout + discoveryTickSlack)
		}
	}

	if msg != nil && msg.Header.Method == meross.MethodGetAck {
		switch msg.Header.Namespace {
		case meross.NSSystemAll:
			if all, ok := msg.Payload[meross.KeyAll].(map[string]any); ok && d.all == nil {
				d.all = all
				advanced = true
			}
		case meross.NSSystemAbility:
			if ability, ok := msg.Payload[meross.KeyAbility].(map[string]any); ok && d.ability == nil {
				d.ability = ability
				advanced = true
			}
		}
	}

	missing := d.missing()
	if missing == "" {
		delete(c.discoveries, deviceID)
		payload := map[string]any{
			meross.KeyAll:     d.all,
			meross.KeyAbility: d.ability,
		}
		c.mu.Unlock()
		c.logger.Info("device discovery complete", zap.String("device_id", deviceID))
		if c.onDiscovered != nil {
			c.onDiscovered(deviceID, payload)
		}
		return
	}

	if !advanced {
		// Unsolicited traffic from a device already under discovery; the
		// tick handles re-queries.
		c.mu.Unlock()
		return
	}
	d.requests++
	d.lastRequest = now
	c.mu.Unlock()

	c.sendDiscoveryQuery(deviceID, missing)
}

func (c *Conn) sendDiscoveryQuery(deviceID, namespace string) {
	if !c.allowPublish {
		c.limiter.Warn(c.logger, "discovery-noprofile:"+deviceID,
			"cannot interrogate discovered device, publish disabled",
			zap.String("device_id", deviceID))
		return
	}
	msg := meross.NewMessage(c.key, meross.DefaultRequest(namespace), c.responseTopic)
	if err := c.Publish(deviceID, msg); err != nil {
		c.logger.Debug("discovery query failed",
			zap.String("device_id", deviceID),
			zap.Error(err))
	}
}

// discoveryTick re-queries silent in-discovery devices and evicts stale
// ones. Rearms itself while any discovery is live.
func (c *Conn) discoveryTick() {
	now := c.clock.Now()

	type query struct {
		deviceID  string
		namespace string
	}
	var queries []query

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	for deviceID, d := range c.discoveries {
		if d.requests > discoveryMaxQueries {
			c.logger.Info("device discovery evicted",
				zap.String("device_id", deviceID),
				zap.Int("requests", d.requests))
			delete(c.discoveries, deviceID)
			continue
		}
		if now.Sub(d.lastRequest) > availabilityTimeout {
			d.requests++
			d.lastRequest = now
			queries = append(queries, query{deviceID, d.missing()})
		}
	}
	if len(c.discoveries) > 0 && c.discoTimer != nil {
		c.discoTimer.Reset(availabilityTimeout + discoveryTickSlack)
	}
	c.mu.Unlock()

	for _, q := range queries {
		c.sendDiscoveryQuery(q.deviceID, q.namespace)
	}
}
