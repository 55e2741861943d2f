package meross

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// HostAddress is a broker endpoint advertised by a device or the cloud.
type HostAddress struct {
	Host string
	Port int
}

func (a HostAddress) String() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// ParseHostAddress parses "host" or "host:port" strings, defaulting the port
// to the standard broker port.
func ParseHostAddress(domain string) HostAddress {
	host := domain
	port := 443
	for i := len(domain) - 1; i >= 0; i-- {
		if domain[i] == ':' {
			if p, err := strconv.Atoi(domain[i+1:]); err == nil {
				host = domain[:i]
				port = p
			}
			break
		}
	}
	return HostAddress{Host: host, Port: port}
}

// TimeRule is one DST transition entry of the device timeRule table:
// the epoch at which it takes effect, the utc offset in seconds from then on
// and whether daylight saving is in effect.
type TimeRule struct {
	Epoch     int64
	UTCOffset int
	IsDST     int
}

// MarshalJSON encodes the rule in the wire form [epoch, utcoffset, isdst].
func (r TimeRule) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]int64{r.Epoch, int64(r.UTCOffset), int64(r.IsDST)})
}

// UnmarshalJSON decodes the wire form [epoch, utcoffset, isdst].
func (r *TimeRule) UnmarshalJSON(data []byte) error {
	var raw [3]int64
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Epoch = raw[0]
	r.UTCOffset = int(raw[1])
	r.IsDST = int(raw[2])
	return nil
}

// Descriptor caches a device's Appliance.System.All and
// Appliance.System.Ability payloads: the single source of truth for its
// identity and capabilities. It is mutated only by receipt of those payloads.
type Descriptor struct {
	All     map[string]any
	Ability map[string]map[string]any
}

// NewDescriptor builds a descriptor from a cached payload carrying the
// "all" and "ability" keys (the shape persisted in device configuration).
func NewDescriptor(payload map[string]any) *Descriptor {
	d := &Descriptor{
		All:     map[string]any{},
		Ability: map[string]map[string]any{},
	}
	if all, ok := payload[KeyAll].(map[string]any); ok {
		d.All = all
	}
	d.SetAbility(payload[KeyAbility])
	return d
}

// Update replaces the cached "all" payload from a SYSTEM_ALL reply.
func (d *Descriptor) Update(payload map[string]any) {
	if all, ok := payload[KeyAll].(map[string]any); ok {
		d.All = all
	}
}

// UpdateTime replaces the "time" section, pushed by the device after a
// SYSTEM_TIME transaction.
func (d *Descriptor) UpdateTime(timePayload map[string]any) {
	d.All[KeyTime] = timePayload
}

// SetAbility replaces the ability table from a SYSTEM_ABILITY reply payload
// value ("ability" key already stripped).
func (d *Descriptor) SetAbility(value any) {
	ability := map[string]map[string]any{}
	if raw, ok := value.(map[string]any); ok {
		for ns, params := range raw {
			if p, ok := params.(map[string]any); ok {
				ability[ns] = p
			} else {
				ability[ns] = map[string]any{}
			}
		}
	}
	d.Ability = ability
}

// HasAbility reports whether the device advertises a namespace.
func (d *Descriptor) HasAbility(namespace string) bool {
	_, ok := d.Ability[namespace]
	return ok
}

// AbilityParam returns a numeric parameter of an advertised namespace
// (e.g. maxCmdNum for Appliance.Control.Multiple), 0 when absent.
func (d *Descriptor) AbilityParam(namespace, param string) int {
	ns, ok := d.Ability[namespace]
	if !ok {
		return 0
	}
	v, ok := ns[param].(float64)
	if !ok {
		return 0
	}
	return int(v)
}

func (d *Descriptor) section(path ...string) map[string]any {
	cur := d.All
	for _, key := range path {
		next, ok := cur[key].(map[string]any)
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}

func (d *Descriptor) str(section map[string]any, key string) string {
	if section == nil {
		return ""
	}
	s, _ := section[key].(string)
	return s
}

// System returns the "system" section of the all payload.
func (d *Descriptor) System() map[string]any { return d.section("system") }

// Hardware returns the "system.hardware" section.
func (d *Descriptor) Hardware() map[string]any { return d.section("system", "hardware") }

// Firmware returns the "system.firmware" section.
func (d *Descriptor) Firmware() map[string]any { return d.section("system", "firmware") }

// Time returns the "time" section (timestamp, timezone, timeRule).
func (d *Descriptor) Time() map[string]any { return d.section(KeyTime) }

// Digest returns the per-family digest map keyed by digest key.
func (d *Descriptor) Digest() map[string]any { return d.section("digest") }

// UUID returns the device uuid from the hardware section.
func (d *Descriptor) UUID() string { return d.str(d.Hardware(), "uuid") }

// Type returns the product type (device family model string).
func (d *Descriptor) Type() string { return d.str(d.Hardware(), "type") }

// MacAddress returns the device MAC address.
func (d *Descriptor) MacAddress() string { return d.str(d.Hardware(), "macAddress") }

// HardwareVersion returns the hardware revision.
func (d *Descriptor) HardwareVersion() string { return d.str(d.Hardware(), "version") }

// FirmwareVersion returns the firmware revision.
func (d *Descriptor) FirmwareVersion() string { return d.str(d.Firmware(), "version") }

// InnerIP returns the LAN address the device reports for itself.
func (d *Descriptor) InnerIP() string { return d.str(d.Firmware(), "innerIp") }

// UserID returns the cloud account the device is bound to ("" when unpaired).
func (d *Descriptor) UserID() string {
	fw := d.Firmware()
	if fw == nil {
		return ""
	}
	switch v := fw["userId"].(type) {
	case string:
		return v
	case float64:
		return strconv.Itoa(int(v))
	}
	return ""
}

// Broker returns the MQTT broker endpoint configured in the firmware section.
func (d *Descriptor) Broker() HostAddress {
	fw := d.Firmware()
	addr := HostAddress{Host: d.str(fw, "server"), Port: 443}
	if fw != nil {
		switch p := fw["port"].(type) {
		case float64:
			addr.Port = int(p)
		case string:
			if v, err := strconv.Atoi(p); err == nil {
				addr.Port = v
			}
		}
	}
	return addr
}

// Timezone returns the IANA timezone name configured on the device.
func (d *Descriptor) Timezone() string { return d.str(d.Time(), KeyTimezone) }

// TimeRules returns the parsed DST transition table, ordered by epoch.
func (d *Descriptor) TimeRules() []TimeRule {
	t := d.Time()
	if t == nil {
		return nil
	}
	raw, ok := t[KeyTimeRule].([]any)
	if !ok {
		return nil
	}
	rules := make([]TimeRule, 0, len(raw))
	for _, item := range raw {
		entry, ok := item.([]any)
		if !ok || len(entry) < 3 {
			continue
		}
		var rule TimeRule
		if epoch, ok := entry[0].(float64); ok {
			rule.Epoch = int64(epoch)
		}
		if off, ok := entry[1].(float64); ok {
			rule.UTCOffset = int(off)
		}
		if dst, ok := entry[2].(float64); ok {
			rule.IsDST = int(dst)
		}
		rules = append(rules, rule)
	}
	return rules
}

// Online reports whether the device claims to be online upstream
// (system.online.status == 1). Meaningful on payloads routed through a
// broker which tracks the device session.
func (d *Descriptor) Online() bool {
	online := d.section("system", "online")
	if online == nil {
		return true
	}
	status, ok := online["status"].(float64)
	if !ok {
		return true
	}
	return int(status) == 1
}

// Raw returns the descriptor in its persisted configuration shape.
func (d *Descriptor) Raw() map[string]any {
	ability := make(map[string]any, len(d.Ability))
	for ns, params := range d.Ability {
		ability[ns] = params
	}
	return map[string]any{
		KeyAll:     d.All,
		KeyAbility: ability,
	}
}
