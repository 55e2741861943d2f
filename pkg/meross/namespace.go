package meross

import "strings"

// Namespaces of the Meross appliance protocol used by the engine. Each
// namespace names a protocol surface; GET requests carry a payload skeleton
// keyed by the namespace key (see DefaultPayload).
const (
	NSSystemAll     = "Appliance.System.All"
	NSSystemAbility = "Appliance.System.Ability"
	NSSystemDebug   = "Appliance.System.Debug"
	NSSystemOnline  = "Appliance.System.Online"
	NSSystemClock   = "Appliance.System.Clock"
	NSSystemTime    = "Appliance.System.Time"
	NSSystemDNDMode = "Appliance.System.DNDMode"
	NSSystemRuntime = "Appliance.System.Runtime"
	NSSystemReport  = "Appliance.System.Report"

	NSControlMultiple = "Appliance.Control.Multiple"
	NSControlBind     = "Appliance.Control.Bind"
	NSControlUnbind   = "Appliance.Control.Unbind"

	NSConfigKey = "Appliance.Config.Key"
)

// Methods carried in the message header.
const (
	MethodGet    = "GET"
	MethodGetAck = "GETACK"
	MethodSet    = "SET"
	MethodSetAck = "SETACK"
	MethodPush   = "PUSH"
	MethodError  = "ERROR"
)

// ErrorCodeInvalidKey is reported in an ERROR payload when the device
// rejects the message signature.
const ErrorCodeInvalidKey = 5001

// Payload keys shared between requests and replies.
const (
	KeyAll       = "all"
	KeyAbility   = "ability"
	KeyDebug     = "debug"
	KeyOnline    = "online"
	KeyClock     = "clock"
	KeyTime      = "time"
	KeyDNDMode   = "DNDMode"
	KeyRuntime   = "runtime"
	KeyReport    = "report"
	KeyMultiple  = "multiple"
	KeyBind      = "bind"
	KeyUnbind    = "unbind"
	KeyKey       = "key"
	KeyTimezone  = "timezone"
	KeyTimeRule  = "timeRule"
	KeyTimestamp = "timestamp"
	KeySignal    = "signal"
	KeyMode      = "mode"
)

// namespaceKeys maps a namespace to the payload key expected by the device.
// Most keys are the lowercased last segment of the namespace but a few
// firmwares are case sensitive about the exceptions (DNDMode).
var namespaceKeys = map[string]string{
	NSSystemAll:       KeyAll,
	NSSystemAbility:   KeyAbility,
	NSSystemDebug:     KeyDebug,
	NSSystemOnline:    KeyOnline,
	NSSystemClock:     KeyClock,
	NSSystemTime:      KeyTime,
	NSSystemDNDMode:   KeyDNDMode,
	NSSystemRuntime:   KeyRuntime,
	NSSystemReport:    KeyReport,
	NSControlMultiple: KeyMultiple,
	NSControlBind:     KeyBind,
	NSControlUnbind:   KeyUnbind,
	NSConfigKey:       KeyKey,
}

// NamespaceKey returns the payload key for a namespace, deriving it from the
// last dotted segment when the namespace is not in the known table.
func NamespaceKey(namespace string) string {
	if key, ok := namespaceKeys[namespace]; ok {
		return key
	}
	segment := namespace[strings.LastIndexByte(namespace, '.')+1:]
	if segment == "" {
		return namespace
	}
	return strings.ToLower(segment)
}

// DefaultPayload builds the canonical GET payload skeleton for a namespace,
// e.g. {"all": {}} for Appliance.System.All.
func DefaultPayload(namespace string) map[string]any {
	return map[string]any{NamespaceKey(namespace): map[string]any{}}
}

// DefaultRequest builds the canonical GET request for a namespace.
func DefaultRequest(namespace string) Request {
	return Request{
		Namespace: namespace,
		Method:    MethodGet,
		Payload:   DefaultPayload(namespace),
	}
}
