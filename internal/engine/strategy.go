package engine

import (
	"encoding/json"
	"time"

	"merosslink/pkg/meross"
)

// PollingStrategy binds a namespace to its getter and polling cadence. The
// response size estimate feeds the multi-request batch budget.
type PollingStrategy struct {
	Namespace string
	Request   meross.Request
	// Period is the minimum interval between polls; 0 polls every sweep.
	Period time.Duration
	// CloudPeriod applies instead when the send would ride cloud MQTT.
	CloudPeriod time.Duration
	// ResponseSize is the learned reply size estimate in bytes.
	ResponseSize int
	// Smart marks strategies subject to cloud rate limiting.
	Smart bool
	// enabled gates conditional strategies; nil means always.
	enabled func() bool

	lastRequest time.Time
}

func (e *Engine) initStrategies() {
	allSize := headerOverhead
	if raw, err := json.Marshal(e.descriptor.All); err == nil {
		allSize += len(raw)
	}
	e.strategies = []*PollingStrategy{{
		Namespace:    meross.NSSystemAll,
		Request:      meross.DefaultRequest(meross.NSSystemAll),
		Period:       e.pollingPeriod,
		CloudPeriod:  cloudPollingPeriod,
		ResponseSize: allSize,
	}}
	e.refreshStrategies()
}

// refreshStrategies aligns the strategy table and batch capacity with the
// descriptor's current ability set. Called after SYSTEM_ALL and
// SYSTEM_ABILITY updates.
func (e *Engine) refreshStrategies() {
	e.multipleMax = e.descriptor.AbilityParam(meross.NSControlMultiple, "maxCmdNum")

	type optional struct {
		namespace string
		period    time.Duration
		smart     bool
		enabled   func() bool
	}
	wanted := []optional{
		{namespace: meross.NSSystemDNDMode, period: 300 * time.Second, smart: true},
		{namespace: meross.NSSystemRuntime, period: 300 * time.Second, smart: true},
		{
			// The debug payload names the broker the device actually talks
			// to; only worth polling while a profile link is still trying
			// to bring MQTT up.
			namespace: meross.NSSystemDebug,
			period:    heartbeatPeriod,
			enabled: func() bool {
				return e.profile != nil && e.configProtocol == ProtocolAuto && !e.mqttActive
			},
		},
	}

	for _, opt := range wanted {
		if !e.descriptor.HasAbility(opt.namespace) {
			continue
		}
		if e.findStrategy(opt.namespace) != nil {
			continue
		}
		e.strategies = append(e.strategies, &PollingStrategy{
			Namespace:    opt.namespace,
			Request:      meross.DefaultRequest(opt.namespace),
			Period:       opt.period,
			CloudPeriod:  cloudPollingPeriod,
			ResponseSize: 1000,
			Smart:        opt.smart,
			enabled:      opt.enabled,
		})
	}
}

func (e *Engine) findStrategy(namespace string) *PollingStrategy {
	for _, s := range e.strategies {
		if s.Namespace == namespace {
			return s
		}
	}
	return nil
}

// sweep polls every due strategy, skipping the namespace that triggered this
// sweep. Smart strategies are throttled to cloudQueueMax per sweep and
// CloudPeriod apart when riding cloud MQTT.
func (e *Engine) sweep(now time.Time, skip string) {
	cloudPath := e.curProtocol == ProtocolMQTT && e.conn != nil && e.conn.IsCloud() && !e.mqttLocallyActive()
	cloudQueued := 0

	for _, s := range e.strategies {
		if s.Namespace == skip {
			continue
		}
		if s.enabled != nil && !s.enabled() {
			continue
		}
		if !s.lastRequest.IsZero() && now.Sub(s.lastRequest) < s.Period {
			continue
		}
		if s.Smart && cloudPath {
			if cloudQueued >= cloudQueueMax {
				continue
			}
			if !s.lastRequest.IsZero() && now.Sub(s.lastRequest) < s.CloudPeriod {
				continue
			}
			cloudQueued++
		}
		e.requestPoll(s, now)
	}
}
