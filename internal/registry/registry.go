// Package registry holds the process-wide device and profile maps. It is
// mutated only when devices or profiles are added and removed; everything
// else reads through it.
package registry

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"merosslink/internal/engine"
	"merosslink/internal/profile"
	"merosslink/pkg/meross"
)

// Registry maps device ids to engines and profile ids to profiles.
type Registry struct {
	logger *zap.Logger

	mu       sync.RWMutex
	engines  map[string]*engine.Engine
	profiles map[string]*profile.Profile
}

// New builds an empty registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger:   logger.With(zap.String("component", "registry")),
		engines:  map[string]*engine.Engine{},
		profiles: map[string]*profile.Profile{},
	}
}

// AddDevice registers a device engine.
func (r *Registry) AddDevice(e *engine.Engine) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.engines[e.ID()]; ok {
		return fmt.Errorf("registry: device %s already registered", e.ID())
	}
	r.engines[e.ID()] = e
	r.logger.Info("device registered", zap.String("device_id", e.ID()))
	return nil
}

// RemoveDevice deregisters a device and returns its engine, nil when absent.
func (r *Registry) RemoveDevice(deviceID string) *engine.Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.engines[deviceID]
	if !ok {
		return nil
	}
	delete(r.engines, deviceID)
	r.logger.Info("device removed", zap.String("device_id", deviceID))
	return e
}

// Device looks up a device engine.
func (r *Registry) Device(deviceID string) (*engine.Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[deviceID]
	return e, ok
}

// Devices snapshots the registered engines.
func (r *Registry) Devices() []*engine.Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*engine.Engine, 0, len(r.engines))
	for _, e := range r.engines {
		out = append(out, e)
	}
	return out
}

// KnownDevice reports whether a device id is configured on this host. Broker
// connections use it to separate misrouted traffic from discovery candidates.
func (r *Registry) KnownDevice(deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.engines[deviceID]
	return ok
}

// AddProfile registers a cloud profile.
func (r *Registry) AddProfile(p *profile.Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.profiles[p.ID()]; ok {
		return fmt.Errorf("registry: profile %s already registered", p.ID())
	}
	r.profiles[p.ID()] = p
	r.logger.Info("profile registered", zap.String("profile_id", p.ID()))
	return nil
}

// RemoveProfile deregisters a profile and returns it, nil when absent.
func (r *Registry) RemoveProfile(profileID string) *profile.Profile {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[profileID]
	if !ok {
		return nil
	}
	delete(r.profiles, profileID)
	return p
}

// Profile looks up a cloud profile.
func (r *Registry) Profile(profileID string) (*profile.Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[profileID]
	return p, ok
}

// Profiles snapshots the registered profiles.
func (r *Registry) Profiles() []*profile.Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*profile.Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	return out
}

// Route hands an inbound envelope to the engine of the device that sent it.
// Reports false when the device is unknown.
func (r *Registry) Route(msg *meross.Message) bool {
	deviceID := msg.Header.DeviceID()
	if deviceID == "" {
		return false
	}
	e, ok := r.Device(deviceID)
	if !ok {
		return false
	}
	e.HandleMessage(msg)
	return true
}

// Close stops every engine and profile. Used on shutdown.
func (r *Registry) Close() {
	for _, e := range r.Devices() {
		e.Stop()
	}
	for _, p := range r.Profiles() {
		p.Close()
	}
}
