// Package engine implements the per-device protocol state machine: transport
// selection between LAN HTTP and brokered MQTT, adaptive polling with
// multi-request batching, clock drift reconciliation and timezone
// verification.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"merosslink/pkg/clock"
	"merosslink/pkg/healthcheck"
	"merosslink/pkg/logx"
	"merosslink/pkg/meross"
)

// Protocol identifies a transport or the automatic preference.
type Protocol string

const (
	ProtocolAuto Protocol = "auto"
	ProtocolHTTP Protocol = "http"
	ProtocolMQTT Protocol = "mqtt"
)

// Engine timing and budget defaults.
const (
	defaultPollingPeriod = 30 * time.Second
	minPollingPeriod     = 5 * time.Second
	heartbeatPeriod      = 295 * time.Second
	availabilityTimeout  = 30 * time.Second

	timestampTolerance = 5 * time.Second
	clockPushCooldown  = 1800 * time.Second
	clockWarnDeadzone  = 30 * time.Second
	clockWarnLockout   = 604800 * time.Second

	tzCheckOKPeriod    = 604800 * time.Second
	tzCheckNotOKPeriod = 300 * time.Second

	responseSizeMinInit = 2000
	responseSizeMaxInit = 5000
	headerOverhead      = 300

	cloudPollingPeriod = 185 * time.Second
	cloudQueueMax      = 1

	httpPollAttempts = 3
)

// ErrNoTransport is returned when no transport can carry a request.
var ErrNoTransport = errors.New("engine: no usable transport")

type transport int

const (
	transportHTTP transport = iota
	transportMQTT
)

// MQTTConn is the broker connection surface the engine publishes through.
// Implemented by the profile's connection multiplexer.
type MQTTConn interface {
	// Publish encodes and sends msg to the device's command topic. Send
	// priority is derived from the header method.
	Publish(deviceID string, msg *meross.Message) error
	// AllowPublish reports whether this broker permits publishing commands.
	AllowPublish() bool
	// IsCloud reports whether this is a vendor cloud broker (rate limited).
	IsCloud() bool
	// Broker returns the broker endpoint.
	Broker() meross.HostAddress
	// ResponseTopic is the inbound topic stamped into header.from.
	ResponseTopic() string
}

// ProfileLink is the engine's back-reference to its owning cloud profile.
type ProfileLink interface {
	// RequestAttach asks the profile to bind the device to the broker it
	// advertises. The profile calls back MQTTAttached when done.
	RequestAttach(deviceID string)
}

// Callbacks notify the host application of engine lifecycle events.
type Callbacks struct {
	// SaveDescriptor persists the descriptor after a material change
	// (firmware or timezone).
	SaveDescriptor func(deviceID string, payload map[string]any)
	// AbilitiesChanged signals that the device must be re-instantiated.
	AbilitiesChanged func(deviceID string)
	// Issue reports a persistent condition being raised or cleared.
	Issue func(deviceID string, code IssueCode, active bool, detail string)
}

// Options configures a device engine.
type Options struct {
	ID            string
	Key           string
	Host          string
	Protocol      Protocol
	PollingPeriod time.Duration
	// Descriptor is the cached configuration payload (all + ability).
	Descriptor map[string]any
	// ReplyTopic goes into header.from on HTTP requests. MQTT requests use
	// the connection's response topic.
	ReplyTopic string

	Clock     clock.Clock
	Logger    *zap.Logger
	Limiter   *logx.Limiter
	Profile   ProfileLink
	Callbacks Callbacks
}

// Engine is the per-device state machine. All mutable state is guarded by
// mu; exported methods lock, lowercase methods assume the lock is held.
type Engine struct {
	id         string
	key        string
	logger     *zap.Logger
	limiter    *logx.Limiter
	clock      clock.Clock
	callbacks  Callbacks
	profile    ProfileLink
	replyTopic string

	configProtocol Protocol
	pollingPeriod  time.Duration

	// ctxMu guards the lifetime context on its own so Stop can cancel an
	// in-flight request without first waiting on mu.
	ctxMu  sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	descriptor *meross.Descriptor
	http       *meross.HTTPClient
	conn       MQTTConn

	prefProtocol Protocol
	curProtocol  Protocol

	online        bool
	mqttConnected bool
	mqttActive    bool
	httpActive    bool

	lastRequest      time.Time
	lastResponse     time.Time
	httpLastRequest  time.Time
	httpLastResponse time.Time
	mqttLastRequest  time.Time
	mqttLastResponse time.Time

	pollingDelay     time.Duration
	timer            clock.Timer
	polling          bool
	stopped          bool
	triggerNamespace string

	responseSizeMin int
	responseSizeMax int
	multipleMax     int
	multiple        []batchEntry
	multipleSize    int
	pendingMultiple map[string][]meross.Request

	deviceTimedelta float64
	clockPushAt     time.Time
	clockWarnAt     time.Time
	tzNextCheck     time.Time

	debugPayload map[string]any
	debugAt      time.Time
	dndMode      int
	signal       int

	strategies []*PollingStrategy
	handlers   map[string]func(*meross.Message)
	issues     map[IssueCode]string
}

// New builds an engine from a device configuration. Call Start to begin
// polling.
func New(opts Options) (*Engine, error) {
	if opts.ID == "" {
		return nil, errors.New("engine: missing device id")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := opts.Clock
	if cl == nil {
		cl = clock.New()
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = logx.NewLimiter(cl, time.Minute)
	}
	protocol := opts.Protocol
	if protocol == "" {
		protocol = ProtocolAuto
	}
	period := opts.PollingPeriod
	if period == 0 {
		period = defaultPollingPeriod
	}
	if period < minPollingPeriod {
		period = minPollingPeriod
	}
	replyTopic := opts.ReplyTopic
	if replyTopic == "" {
		replyTopic = meross.TopicResponse("merosslink")
	}

	e := &Engine{
		id:              opts.ID,
		key:             opts.Key,
		logger:          logger.With(zap.String("component", "engine"), zap.String("device_id", opts.ID)),
		limiter:         limiter,
		clock:           cl,
		callbacks:       opts.Callbacks,
		profile:         opts.Profile,
		replyTopic:      replyTopic,
		configProtocol:  protocol,
		pollingPeriod:   period,
		pollingDelay:    period,
		descriptor:      meross.NewDescriptor(opts.Descriptor),
		responseSizeMin: responseSizeMinInit,
		responseSizeMax: responseSizeMaxInit,
		pendingMultiple: map[string][]meross.Request{},
		issues:          map[IssueCode]string{},
	}
	if opts.Host != "" {
		e.http = meross.NewHTTPClient(opts.Host, opts.Key, replyTopic, logger.With(zap.String("device_id", opts.ID)))
	}
	if protocol == ProtocolHTTP && e.http == nil {
		return nil, fmt.Errorf("engine: device %s configured http without host", opts.ID)
	}

	e.prefProtocol = e.preferredProtocol()
	e.curProtocol = e.prefProtocol
	e.initHandlers()
	e.initStrategies()
	return e, nil
}

// preferredProtocol derives the transport to favor under AUTO: HTTP when a
// LAN host is known or the device rides a cloud profile (cloud MQTT is
// slower), MQTT otherwise.
func (e *Engine) preferredProtocol() Protocol {
	switch e.configProtocol {
	case ProtocolHTTP:
		return ProtocolHTTP
	case ProtocolMQTT:
		return ProtocolMQTT
	}
	if e.http != nil || e.profile != nil {
		return ProtocolHTTP
	}
	return ProtocolMQTT
}

// ID returns the device uuid.
func (e *Engine) ID() string { return e.id }

// Key returns the device signing key.
func (e *Engine) Key() string { return e.key }

// Descriptor returns the cached device descriptor.
func (e *Engine) Descriptor() *meross.Descriptor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.descriptor
}

// Online reports whether any transport produced a valid reply recently.
func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// CurrentProtocol reports the transport currently being tried.
func (e *Engine) CurrentProtocol() Protocol {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.curProtocol
}

// Start begins the polling loop. The first poll fires immediately.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer != nil || e.stopped {
		return
	}
	e.ctxMu.Lock()
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.ctxMu.Unlock()
	e.timer = e.clock.AfterFunc(0, e.pollingCallback)
	e.logger.Info("engine started",
		zap.String("protocol", string(e.configProtocol)),
		zap.Duration("polling_period", e.pollingPeriod))
}

// Stop cancels polling and closes the transports. An in-flight request is
// cancelled before waiting for the sweep to drain. The engine cannot be
// restarted.
func (e *Engine) Stop() {
	e.ctxMu.Lock()
	cancel := e.cancel
	e.ctxMu.Unlock()
	if cancel != nil {
		cancel()
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	if e.timer != nil {
		e.timer.Stop()
	}
	http := e.http
	e.mu.Unlock()

	if http != nil {
		http.Close()
	}
	e.logger.Info("engine stopped")
}

// Request issues a command on the device. MQTT sends are fire-and-forget
// (the ack arrives through the receive path); HTTP sends return the reply.
func (e *Engine) Request(req meross.Request) (*meross.Message, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return nil, errors.New("engine: stopped")
	}
	return e.sendRequest(req)
}

// Check implements healthcheck.Checker.
func (e *Engine) Check(context.Context) *healthcheck.Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	status := healthcheck.StatusUnhealthy
	message := "offline"
	if e.online {
		status = healthcheck.StatusHealthy
		message = "online"
		if e.configProtocol == ProtocolAuto && e.http != nil && e.conn != nil && (!e.httpActive || !e.mqttActive) {
			status = healthcheck.StatusDegraded
			message = "online on one transport"
		}
	}
	return &healthcheck.Result{
		ComponentName: "device:" + e.id,
		Status:        status,
		Message:       message,
		Timestamp:     e.clock.Now(),
		Details: map[string]any{
			"protocol":          string(e.curProtocol),
			"http_active":       e.httpActive,
			"mqtt_active":       e.mqttActive,
			"mqtt_connected":    e.mqttConnected,
			"response_size_min": e.responseSizeMin,
			"response_size_max": e.responseSizeMax,
		},
	}
}

// Name implements healthcheck.Checker.
func (e *Engine) Name() string { return "device:" + e.id }

// --- MQTT lifecycle, called by the profile connection ---

// MQTTAttached binds the engine to a broker connection.
func (e *Engine) MQTTAttached(conn MQTTConn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conn = conn
	e.logger.Info("mqtt attached", zap.String("broker", conn.Broker().String()))
}

// MQTTDetached drops the broker back-reference.
func (e *Engine) MQTTDetached() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conn = nil
	e.mqttConnected = false
	e.setMQTTActive(false)
}

// MQTTConnected signals the broker socket coming up.
func (e *Engine) MQTTConnected() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mqttConnected = true
}

// MQTTDisconnected signals the broker socket going down.
func (e *Engine) MQTTDisconnected() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mqttConnected = false
	e.setMQTTActive(false)
}

// HandleMessage feeds an inbound MQTT message into the engine.
func (e *Engine) HandleMessage(msg *meross.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.receive(msg, transportMQTT)
}

// --- transport state, lock held ---

// context returns the engine lifetime context, usable before Start.
func (e *Engine) context() context.Context {
	e.ctxMu.Lock()
	defer e.ctxMu.Unlock()
	if e.ctx != nil {
		return e.ctx
	}
	return context.Background()
}

func (e *Engine) mqttPublishable() bool {
	return e.conn != nil && e.mqttConnected && e.conn.AllowPublish()
}

// mqttLocallyActive reports traffic flowing over a non-cloud broker.
func (e *Engine) mqttLocallyActive() bool {
	return e.mqttActive && e.conn != nil && !e.conn.IsCloud()
}

func (e *Engine) setMQTTActive(active bool) {
	e.mqttActive = active
	e.refreshOnline()
}

func (e *Engine) setHTTPActive(active bool) {
	e.httpActive = active
	e.refreshOnline()
}

// refreshOnline maintains online == (mqttActive || httpActive) in the
// offline direction; the online transition happens in receive.
func (e *Engine) refreshOnline() {
	if e.online && !e.mqttActive && !e.httpActive {
		e.setOffline()
	}
}

func (e *Engine) setOffline() {
	e.online = false
	e.mqttActive = false
	e.httpActive = false
	e.pendingMultiple = map[string][]meross.Request{}
	e.logger.Info("device offline")
}

func (e *Engine) setOnline() {
	e.online = true
	e.pollingDelay = e.pollingPeriod
	e.logger.Info("device online", zap.String("protocol", string(e.curProtocol)))
	// Catch up state right away unless a poll sweep is already running.
	if !e.polling && e.timer != nil && !e.stopped {
		e.timer.Reset(0)
	}
}

func (e *Engine) switchProtocol(p Protocol) {
	if e.curProtocol == p {
		return
	}
	e.curProtocol = p
	e.logger.Info("protocol switch", zap.String("protocol", string(p)))
}

// --- send pipeline, lock held ---

// sendRequest chooses the transport by current protocol and falls through
// under AUTO. The HTTP failure cause is preserved when falling back to MQTT.
func (e *Engine) sendRequest(req meross.Request) (*meross.Message, error) {
	if e.curProtocol == ProtocolMQTT {
		if e.mqttPublishable() {
			return nil, e.mqttSend(e.newMQTTMessage(req))
		}
		if e.configProtocol == ProtocolMQTT {
			return nil, fmt.Errorf("%w: mqtt not publishable", ErrNoTransport)
		}
		if e.http != nil {
			e.switchProtocol(ProtocolHTTP)
		}
	}
	if e.curProtocol == ProtocolHTTP {
		if e.http == nil {
			return nil, ErrNoTransport
		}
		reply, err := e.httpSend(req, httpPollAttempts)
		if err == nil {
			return reply, nil
		}
		if e.configProtocol == ProtocolAuto && e.mqttPublishable() {
			e.switchProtocol(ProtocolMQTT)
			if mqttErr := e.mqttSend(e.newMQTTMessage(req)); mqttErr != nil {
				return nil, mqttErr
			}
			// Sent over MQTT; the HTTP cause still matters to the caller.
			return nil, fmt.Errorf("http failed, retried over mqtt: %w", err)
		}
		return nil, err
	}
	return nil, ErrNoTransport
}

// sendMessage routes an already-signed envelope, used by the batch flush
// which must know the message id in advance.
func (e *Engine) sendMessage(msg *meross.Message, namespace string) (*meross.Message, error) {
	if e.curProtocol == ProtocolMQTT && e.mqttPublishable() {
		return nil, e.mqttSend(msg)
	}
	if e.http != nil {
		return e.httpSendMessage(msg, namespace, httpPollAttempts)
	}
	if e.mqttPublishable() {
		return nil, e.mqttSend(msg)
	}
	return nil, ErrNoTransport
}

func (e *Engine) newMQTTMessage(req meross.Request) *meross.Message {
	from := e.replyTopic
	if e.conn != nil {
		from = e.conn.ResponseTopic()
	}
	return meross.NewMessage(e.key, req, from)
}

func (e *Engine) mqttSend(msg *meross.Message) error {
	now := e.clock.Now()
	e.lastRequest = now
	e.mqttLastRequest = now
	if err := e.conn.Publish(e.id, msg); err != nil {
		e.logger.Debug("mqtt publish failed", zap.Error(err))
		if e.configProtocol == ProtocolAuto && e.http != nil {
			e.switchProtocol(ProtocolHTTP)
		}
		return err
	}
	return nil
}

func (e *Engine) httpSend(req meross.Request, attempts int) (*meross.Message, error) {
	return e.httpSendMessage(meross.NewMessage(e.key, req, e.replyTopic), req.Namespace, attempts)
}

// httpSendMessage runs the HTTP pipeline: attempts loop, payload budget
// learning, truncation salvage, identity check, and finally the shared
// receive path.
func (e *Engine) httpSendMessage(msg *meross.Message, namespace string, attempts int) (*meross.Message, error) {
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		now := e.clock.Now()
		e.lastRequest = now
		e.httpLastRequest = now

		reply, err := e.http.RequestMessage(e.context(), msg)
		if err == nil {
			if !e.checkIdentity(reply) {
				return nil, fmt.Errorf("engine: identity mismatch from %s", reply.Header.From)
			}
			if size := reply.Size(); size > e.responseSizeMin {
				e.responseSizeMin = size
				if e.responseSizeMin > e.responseSizeMax {
					e.responseSizeMax = e.responseSizeMin
				}
			}
			e.receive(reply, transportHTTP)
			return reply, nil
		}
		lastErr = err

		var jsonErr *meross.JSONError
		if errors.As(err, &jsonErr) {
			if bodyLen := len(jsonErr.Body); bodyLen > 0 && float64(jsonErr.Offset) > 0.9*float64(bodyLen) {
				// Truncated reply: shrink the budget and, for the batch
				// envelope, salvage what arrived.
				e.responseSizeMax = int(0.9 * float64(bodyLen))
				if e.responseSizeMin > e.responseSizeMax {
					e.responseSizeMin = e.responseSizeMax
				}
				e.logger.Debug("reply truncated",
					zap.Int("body_len", bodyLen),
					zap.Int("response_size_max", e.responseSizeMax))
				if namespace == meross.NSControlMultiple {
					if salvaged, ok := meross.SalvageTruncated(jsonErr.Body); ok {
						if !e.checkIdentity(salvaged) {
							return nil, fmt.Errorf("engine: identity mismatch from %s", salvaged.Header.From)
						}
						e.receive(salvaged, transportHTTP)
						return salvaged, nil
					}
				}
			}
			break
		}

		var reset *meross.ConnResetError
		if errors.As(err, &reset) {
			if namespace == meross.NSControlUnbind {
				// Expected: the device dropped the socket while resetting.
				e.setHTTPActive(false)
				e.setOffline()
				return nil, nil
			}
			if namespace == meross.NSControlMultiple {
				half := e.responseSizeMax / 2
				if half < e.responseSizeMin {
					half = e.responseSizeMin
				}
				e.responseSizeMax = half
				e.logger.Debug("connection reset on batch",
					zap.Int("response_size_max", e.responseSizeMax))
			}
			break
		}

		if errors.Is(err, meross.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			continue
		}
		if errors.Is(err, context.Canceled) {
			break
		}
	}

	e.setHTTPActive(false)
	return nil, lastErr
}

// checkIdentity forces the device offline when a reply carries another
// device's uuid (DHCP gave its address away). Reports false on mismatch.
func (e *Engine) checkIdentity(msg *meross.Message) bool {
	from := msg.Header.DeviceID()
	if from == "" || from == e.id {
		return true
	}
	e.raiseIssue(IssueIDMismatch, fmt.Sprintf("reply from device %s", from))
	e.setHTTPActive(false)
	e.setOffline()
	return false
}

// --- receive path, lock held ---

func (e *Engine) receive(msg *meross.Message, via transport) {
	now := e.clock.Now()
	e.lastResponse = now

	switch via {
	case transportHTTP:
		e.httpLastResponse = now
		if !e.httpActive {
			e.httpActive = true
			if e.configProtocol == ProtocolAuto && e.prefProtocol == ProtocolHTTP {
				e.switchProtocol(ProtocolHTTP)
			}
		}
	case transportMQTT:
		e.mqttLastResponse = now
		if !e.mqttActive {
			e.mqttActive = true
			if e.configProtocol == ProtocolAuto && e.prefProtocol == ProtocolMQTT {
				e.switchProtocol(ProtocolMQTT)
			}
		}
	}

	e.reconcileClock(now, msg.Header.Timestamp)

	if !meross.VerifySign(&msg.Header, e.key) {
		e.logger.Debug("signature mismatch", zap.String("message_id", msg.Header.MessageID))
	}

	// A valid reply from the true device clears a standing mismatch.
	e.clearIssue(IssueIDMismatch)

	if !e.online {
		// The catch-up sweep needn't re-poll what this reply just carried.
		e.triggerNamespace = msg.Header.Namespace
		e.setOnline()
	}

	e.dispatch(msg)
}

func (e *Engine) dispatch(msg *meross.Message) {
	if msg.Header.Method == meross.MethodError {
		code := msg.ErrorCode()
		if code == meross.ErrorCodeInvalidKey {
			e.raiseIssue(IssueInvalidKey, "device rejected message signature")
			e.limiter.Warn(e.logger, string(IssueInvalidKey)+":"+e.id, "device rejected key",
				zap.String("namespace", msg.Header.Namespace))
			return
		}
		e.logger.Warn("device error",
			zap.String("namespace", msg.Header.Namespace),
			zap.Int("code", code))
		return
	}

	if handler, ok := e.handlers[msg.Header.Namespace]; ok {
		e.updateStrategySize(msg)
		handler(msg)
		return
	}
	if msg.Header.Method == meross.MethodSetAck {
		// Plain command acknowledgement, nothing to dispatch.
		return
	}
	e.logger.Debug("unhandled namespace",
		zap.String("namespace", msg.Header.Namespace),
		zap.String("method", msg.Header.Method))
}

func (e *Engine) updateStrategySize(msg *meross.Message) {
	size := msg.Size()
	if size == 0 {
		return
	}
	for _, s := range e.strategies {
		if s.Namespace == msg.Header.Namespace {
			if size+headerOverhead > s.ResponseSize {
				s.ResponseSize = size + headerOverhead
			}
			return
		}
	}
}
