package profile

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/buntdb"

	"merosslink/pkg/meross"
)

// Store key layout: "profile:<profile-id>" holds the profile State document,
// "descriptor:<device-id>" the cached device descriptor payload.
const (
	storeKeyProfile    = "profile:"
	storeKeyDescriptor = "descriptor:"
)

// State is the persisted per-profile document.
type State struct {
	AppID          string                       `json:"appId"`
	Token          string                       `json:"token"`
	DeviceInfo     map[string]meross.DeviceInfo `json:"deviceInfo"`
	DeviceInfoTime int64                        `json:"deviceInfoTime"`
}

// Store is the embedded persistence layer shared by profiles and device
// descriptors.
type Store struct {
	db *buntdb.DB
}

// OpenStore opens (or creates) the store file. Pass ":memory:" for an
// ephemeral store.
func OpenStore(path string) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadProfile reads a profile document. A missing profile returns an empty
// state, not an error.
func (s *Store) LoadProfile(profileID string) (*State, error) {
	st := &State{DeviceInfo: map[string]meross.DeviceInfo{}}
	err := s.db.View(func(tx *buntdb.Tx) error {
		raw, err := tx.Get(storeKeyProfile + profileID)
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(raw), st)
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load profile %s: %w", profileID, err)
	}
	if st.DeviceInfo == nil {
		st.DeviceInfo = map[string]meross.DeviceInfo{}
	}
	return st, nil
}

// SaveProfile writes a profile document.
func (s *Store) SaveProfile(profileID string, st *State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode profile %s: %w", profileID, err)
	}
	err = s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(storeKeyProfile+profileID, string(raw), nil)
		return err
	})
	if err != nil {
		return fmt.Errorf("save profile %s: %w", profileID, err)
	}
	return nil
}

// LoadDescriptor reads a cached device descriptor payload; nil when absent.
func (s *Store) LoadDescriptor(deviceID string) (map[string]any, error) {
	var payload map[string]any
	err := s.db.View(func(tx *buntdb.Tx) error {
		raw, err := tx.Get(storeKeyDescriptor + deviceID)
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(raw), &payload)
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load descriptor %s: %w", deviceID, err)
	}
	return payload, nil
}

// SaveDescriptor caches a device descriptor payload. Matches the engine's
// SaveDescriptor callback signature apart from the error.
func (s *Store) SaveDescriptor(deviceID string, payload map[string]any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode descriptor %s: %w", deviceID, err)
	}
	err = s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(storeKeyDescriptor+deviceID, string(raw), nil)
		return err
	})
	if err != nil {
		return fmt.Errorf("save descriptor %s: %w", deviceID, err)
	}
	return nil
}
