package engine

import "go.uber.org/zap"

// IssueCode identifies a persistent user-visible condition on a device.
type IssueCode string

const (
	// IssueIDMismatch: a reply carried another device's uuid, usually a
	// DHCP address reassignment.
	IssueIDMismatch IssueCode = "id_mismatch"
	// IssueInvalidKey: the device rejects our message signatures.
	IssueInvalidKey IssueCode = "invalid_key"
	// IssueTimezone: the device DST table disagrees with the tz database.
	IssueTimezone IssueCode = "timezone"
)

// Issues returns a copy of the active issue set.
func (e *Engine) Issues() map[IssueCode]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[IssueCode]string, len(e.issues))
	for code, detail := range e.issues {
		out[code] = detail
	}
	return out
}

func (e *Engine) raiseIssue(code IssueCode, detail string) {
	if _, active := e.issues[code]; active {
		e.issues[code] = detail
		return
	}
	e.issues[code] = detail
	e.limiter.Warn(e.logger, string(code)+":"+e.id, "issue raised",
		zap.String("code", string(code)),
		zap.String("detail", detail))
	if e.callbacks.Issue != nil {
		e.callbacks.Issue(e.id, code, true, detail)
	}
}

func (e *Engine) clearIssue(code IssueCode) {
	if _, active := e.issues[code]; !active {
		return
	}
	delete(e.issues, code)
	e.limiter.Reset(string(code) + ":" + e.id)
	e.logger.Info("issue cleared", zap.String("code", string(code)))
	if e.callbacks.Issue != nil {
		e.callbacks.Issue(e.id, code, false, "")
	}
}
