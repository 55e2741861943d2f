package profile

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"merosslink/internal/engine"
	"merosslink/pkg/clock"
	"merosslink/pkg/logx"
	"merosslink/pkg/meross"
)

const (
	inventoryPeriod      = 86400 * time.Second
	inventoryRetryPeriod = 15 * time.Minute
	saveDebounce         = 30 * time.Second
	unknownWarnPeriod    = 7 * 24 * time.Hour

	cloudCallTimeout = 30 * time.Second

	hubTypePrefix = "msh"
)

// Options configures a cloud profile.
type Options struct {
	// ID is the cloud account user id; it doubles as the broker username.
	ID  string
	Key string
	// Token is the session token from configuration. When it differs from
	// the stored one the stored token is invalidated best-effort.
	Token string
	// APIBase is the account's cloud API endpoint ("" for the default region).
	APIBase      string
	AllowPublish bool

	Store  *Store
	Logger *zap.Logger
	Clock  clock.Clock
	// Route delivers envelopes from devices not attached to the receiving
	// broker connection to their engines elsewhere on the host.
	Route func(msg *meross.Message) bool
	// KnownDevice reports whether a device id is configured on the host.
	KnownDevice func(deviceID string) bool
	// OnDiscovered receives completed discovery payloads for devices the
	// host has no configuration for.
	OnDiscovered DiscoveredFunc
}

// Profile owns the credentials, broker connections and device inventory of
// one cloud account. It implements engine.ProfileLink for its linked devices.
type Profile struct {
	id     string
	key    string
	logger *zap.Logger
	clock  clock.Clock
	// weekly pacing for the unknown-device warnings
	limiter      *logx.Limiter
	store        *Store
	cloud        *meross.CloudClient
	allowPublish bool
	route        func(*meross.Message) bool
	knownDevice  func(string) bool
	onDiscovered DiscoveredFunc

	mu             sync.Mutex
	ctx            context.Context
	cancel         context.CancelFunc
	appID          string
	token          string
	staleToken     string
	deviceInfo     map[string]meross.DeviceInfo
	deviceInfoTime int64
	conns          map[string]*Conn
	linked         map[string]*engine.Engine
	queryTimer     clock.Timer
	saveTimer      clock.Timer
	savePending    bool
	closed         bool
}

// New builds a profile, loading its persisted state. Call Start to begin the
// inventory refresh schedule.
func New(opts Options) (*Profile, error) {
	if opts.ID == "" {
		return nil, errors.New("profile: missing profile id")
	}
	if opts.Key == "" {
		return nil, errors.New("profile: missing device key")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := opts.Clock
	if cl == nil {
		cl = clock.New()
	}

	p := &Profile{
		id:           opts.ID,
		key:          opts.Key,
		logger:       logger.With(zap.String("component", "profile"), zap.String("profile_id", opts.ID)),
		clock:        cl,
		limiter:      logx.NewLimiter(cl, unknownWarnPeriod),
		store:        opts.Store,
		cloud:        meross.NewCloudClient(opts.APIBase, logger),
		allowPublish: opts.AllowPublish,
		route:        opts.Route,
		knownDevice:  opts.KnownDevice,
		onDiscovered: opts.OnDiscovered,
		deviceInfo:   map[string]meross.DeviceInfo{},
		conns:        map[string]*Conn{},
		linked:       map[string]*engine.Engine{},
	}

	st := &State{DeviceInfo: map[string]meross.DeviceInfo{}}
	if p.store != nil {
		loaded, err := p.store.LoadProfile(p.id)
		if err != nil {
			return nil, err
		}
		st = loaded
	}
	p.appID = st.AppID
	p.token = st.Token
	p.deviceInfo = st.DeviceInfo
	p.deviceInfoTime = st.DeviceInfoTime

	if p.appID == "" {
		p.appID = meross.GenerateAppID()
		p.savePending = true
	}
	if opts.Token != "" && opts.Token != p.token {
		p.staleToken = p.token
		p.token = opts.Token
		p.savePending = true
	}
	return p, nil
}

// ID returns the profile (cloud user) id.
func (p *Profile) ID() string { return p.id }

// Key returns the account device key.
func (p *Profile) Key() string { return p.key }

// AppID returns the generated cloud application id.
func (p *Profile) AppID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.appID
}

// Start schedules the inventory refresh and settles pending credential
// changes.
func (p *Profile) Start(ctx context.Context) {
	p.mu.Lock()
	if p.queryTimer != nil || p.closed {
		p.mu.Unlock()
		return
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	stale := p.staleToken
	p.staleToken = ""
	if p.savePending {
		p.scheduleSave()
	}

	delay := time.Duration(p.deviceInfoTime)*time.Second + inventoryPeriod -
		time.Duration(p.clock.Now().Unix())*time.Second
	if delay < 0 {
		delay = 0
	}
	p.queryTimer = p.clock.AfterFunc(delay, p.queryDevices)
	p.mu.Unlock()

	if stale != "" {
		go p.logout(stale)
	}
	p.logger.Info("profile started", zap.Duration("inventory_in", delay))
}

// Close stops timers, flushes pending state and tears down the broker
// connections.
func (p *Profile) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	if p.queryTimer != nil {
		p.queryTimer.Stop()
	}
	if p.saveTimer != nil {
		p.saveTimer.Stop()
	}
	if p.cancel != nil {
		p.cancel()
	}
	conns := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = map[string]*Conn{}
	p.mu.Unlock()

	p.flushSave()
	for _, c := range conns {
		c.Close()
	}
	p.logger.Info("profile closed")
}

// Link registers a device engine as belonging to this profile.
func (p *Profile) Link(e *engine.Engine) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.linked[e.ID()] = e
}

// Unlink removes a device engine, detaching it from any broker connection.
// Connections left empty are torn down.
func (p *Profile) Unlink(deviceID string) {
	p.mu.Lock()
	delete(p.linked, deviceID)
	var drop []*Conn
	for key, c := range p.conns {
		if c.Attached(deviceID) && c.Detach(deviceID) == 0 {
			drop = append(drop, c)
			delete(p.conns, key)
		}
	}
	p.mu.Unlock()

	for _, c := range drop {
		c.Close()
	}
}

// RequestAttach implements engine.ProfileLink. Attachment happens off the
// caller's goroutine since the engine invokes this mid-poll.
func (p *Profile) RequestAttach(deviceID string) {
	go p.attachDevice(deviceID)
}

func (p *Profile) attachDevice(deviceID string) {
	p.mu.Lock()
	e := p.linked[deviceID]
	closed := p.closed
	p.mu.Unlock()
	if e == nil || closed {
		return
	}

	candidates := e.BrokerCandidates()
	if len(candidates) == 0 {
		p.limiter.Warn(p.logger, "nobroker:"+deviceID,
			"device advertises no broker, cannot attach",
			zap.String("device_id", deviceID))
		return
	}

	conn := p.connFor(candidates[0])
	if conn == nil || conn.Attached(deviceID) {
		return
	}
	conn.Attach(e)
}

// connFor returns (creating on first use) the connection for a broker
// endpoint.
func (p *Profile) connFor(addr meross.HostAddress) *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	if c, ok := p.conns[addr.String()]; ok {
		return c
	}
	c, err := NewConn(ConnOptions{
		Broker:        addr,
		Key:           p.key,
		ClientID:      "app:" + p.appID,
		Username:      p.id,
		Password:      brokerPassword(p.id, p.key),
		AllowPublish:  p.allowPublish,
		Cloud:         true,
		ResponseTopic: meross.TopicResponse(p.id + "-" + p.appID),
		Logger:        p.logger,
		Clock:         p.clock,
		Route:         p.route,
		KnownDevice:   p.knownDevice,
		OnDiscovered:  p.onDiscovered,
	})
	if err != nil {
		p.logger.Error("broker connection setup failed",
			zap.String("broker", addr.String()), zap.Error(err))
		return nil
	}
	p.conns[addr.String()] = c
	return c
}

// brokerPassword derives the vendor broker password: hex md5 of userid+key.
func brokerPassword(userID, key string) string {
	sum := md5.Sum([]byte(userID + key))
	return hex.EncodeToString(sum[:])
}

// UpdateToken installs fresh cloud credentials, invalidating the previous
// token best-effort, and pulls the inventory forward when it is due.
func (p *Profile) UpdateToken(token string) {
	p.mu.Lock()
	old := p.token
	if token == old {
		p.mu.Unlock()
		return
	}
	p.token = token
	p.scheduleSave()
	due := p.deviceInfoTime == 0 ||
		p.clock.Now().Unix() >= p.deviceInfoTime+int64(inventoryPeriod.Seconds())
	if due && p.queryTimer != nil {
		p.queryTimer.Reset(0)
	}
	p.mu.Unlock()

	if old != "" {
		go p.logout(old)
	}
	p.logger.Info("cloud token updated")
}

func (p *Profile) logout(token string) {
	ctx, cancel := context.WithTimeout(p.context(), cloudCallTimeout)
	defer cancel()
	if err := p.cloud.Logout(ctx, token); err != nil {
		p.logger.Debug("stale token logout failed", zap.Error(err))
	}
}

func (p *Profile) context() context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx != nil {
		return p.ctx
	}
	return context.Background()
}

// queryDevices refreshes the cloud inventory, routes unknown devices into
// discovery and reschedules itself.
func (p *Profile) queryDevices() {
	p.mu.Lock()
	token := p.token
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	if token == "" {
		p.logger.Debug("no cloud token, inventory refresh skipped")
		return
	}

	ctx, cancel := context.WithTimeout(p.context(), cloudCallTimeout)
	devices, err := p.cloud.DeviceList(ctx, token)
	cancel()
	if err != nil {
		p.handleQueryError(err)
		return
	}

	inventory := make(map[string]meross.DeviceInfo, len(devices))
	for _, info := range devices {
		if strings.HasPrefix(info.DeviceType, hubTypePrefix) {
			subCtx, subCancel := context.WithTimeout(p.context(), cloudCallTimeout)
			subs, subErr := p.cloud.SubDeviceList(subCtx, token, info.UUID)
			subCancel()
			if subErr != nil {
				p.logger.Warn("subdevice list failed",
					zap.String("device_id", info.UUID), zap.Error(subErr))
			} else {
				info.SubDeviceInfo = subs
			}
		}
		inventory[info.UUID] = info
	}

	p.mu.Lock()
	previous := p.deviceInfo
	p.deviceInfo = inventory
	p.deviceInfoTime = p.clock.Now().Unix()
	p.scheduleSave()
	if p.queryTimer != nil {
		p.queryTimer.Reset(inventoryPeriod)
	}
	linked := make(map[string]*engine.Engine, len(p.linked))
	for id, e := range p.linked {
		linked[id] = e
	}
	p.mu.Unlock()

	for uuid, info := range inventory {
		if _, ok := previous[uuid]; ok {
			continue
		}
		if _, ok := linked[uuid]; ok {
			continue
		}
		if p.knownDevice != nil && p.knownDevice(uuid) {
			continue
		}
		p.processUnknown(info)
	}
	for uuid := range previous {
		if _, ok := inventory[uuid]; !ok {
			p.logger.Info("device left the cloud inventory", zap.String("device_id", uuid))
		}
	}
	for uuid, e := range linked {
		info, ok := inventory[uuid]
		if !ok || info.FmwareVersion == "" {
			continue
		}
		if current := e.Descriptor().FirmwareVersion(); current != "" && current != info.FmwareVersion {
			p.logger.Info("firmware update available",
				zap.String("device_id", uuid),
				zap.String("installed", current),
				zap.String("latest", info.FmwareVersion))
		}
	}

	p.logger.Info("cloud inventory refreshed", zap.Int("devices", len(inventory)))
}

func (p *Profile) handleQueryError(err error) {
	if errors.Is(err, meross.ErrTokenInvalid) {
		p.logger.Warn("cloud token invalidated, waiting for fresh credentials", zap.Error(err))
		p.mu.Lock()
		p.token = ""
		p.scheduleSave()
		p.mu.Unlock()
		return
	}
	p.logger.Warn("cloud inventory refresh failed", zap.Error(err))
	p.mu.Lock()
	if p.queryTimer != nil && !p.closed {
		p.queryTimer.Reset(inventoryRetryPeriod)
	}
	p.mu.Unlock()
}

// processUnknown starts discovery for an inventory device the host has no
// configuration for, on each of its two advertised brokers.
func (p *Profile) processUnknown(info meross.DeviceInfo) {
	if !p.allowPublish {
		p.limiter.Warn(p.logger, "unknown:"+info.UUID,
			"unconfigured cloud device, publish disabled so it cannot be interrogated",
			zap.String("device_id", info.UUID),
			zap.String("device_type", info.DeviceType))
		return
	}

	primary := meross.ParseHostAddress(info.Domain)
	brokers := []meross.HostAddress{}
	if primary.Host != "" {
		brokers = append(brokers, primary)
	}
	if secondary := meross.ParseHostAddress(info.ReservedDomain); secondary.Host != "" && secondary != primary {
		brokers = append(brokers, secondary)
	}
	for _, addr := range brokers {
		if conn := p.connFor(addr); conn != nil {
			conn.Discover(info.UUID)
		}
	}
}

// DeviceInfo returns the cached inventory entry for a device.
func (p *Profile) DeviceInfo(deviceID string) (meross.DeviceInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.deviceInfo[deviceID]
	return info, ok
}

// scheduleSave debounces persistence; callers hold p.mu.
func (p *Profile) scheduleSave() {
	p.savePending = true
	if p.store == nil || p.closed {
		return
	}
	if p.saveTimer == nil {
		p.saveTimer = p.clock.AfterFunc(saveDebounce, p.flushSave)
	} else {
		p.saveTimer.Reset(saveDebounce)
	}
}

func (p *Profile) flushSave() {
	p.mu.Lock()
	if !p.savePending || p.store == nil {
		p.mu.Unlock()
		return
	}
	p.savePending = false
	st := &State{
		AppID:          p.appID,
		Token:          p.token,
		DeviceInfo:     p.deviceInfo,
		DeviceInfoTime: p.deviceInfoTime,
	}
	p.mu.Unlock()

	if err := p.store.SaveProfile(p.id, st); err != nil {
		p.logger.Error("profile save failed", zap.Error(err))
	}
}

// HealthDetails summarizes the profile for the health monitor.
func (p *Profile) HealthDetails() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]any{
		"devices_in_inventory": len(p.deviceInfo),
		"linked_devices":       len(p.linked),
		"broker_connections":   len(p.conns),
		"has_token":            p.token != "",
	}
}

var _ engine.ProfileLink = (*Profile)(nil)
