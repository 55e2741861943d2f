package engine

import (
	"fmt"
	"sort"
	"time"
	// Embedded zone database; deployments rarely ship /usr/share/zoneinfo.
	_ "time/tzdata"

	"go.uber.org/zap"

	"merosslink/pkg/meross"
)

// Transition search bounds: DST changes are at least weeks apart, so probing
// in ten-day steps over a year-and-a-day horizon finds the bracketing step,
// then bisection pins the exact second.
const (
	tzProbeStep = 10 * 24 * 3600
	tzHorizon   = 366 * 24 * 3600
)

// checkTimezone verifies the device's DST transition table against the tz
// database and repairs it when wrong. Only called when the clock drift is
// within tolerance, otherwise the device epoch is meaningless.
func (e *Engine) checkTimezone(now time.Time) {
	tzName := e.descriptor.Timezone()
	if tzName == "" || tzName == "UTC" {
		e.tzNextCheck = now.Add(tzCheckOKPeriod)
		return
	}
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		e.raiseIssue(IssueTimezone, fmt.Sprintf("unknown timezone %q", tzName))
		e.tzNextCheck = now.Add(tzCheckNotOKPeriod)
		return
	}

	deviceEpoch := now.Unix() - int64(e.deviceTimedelta)
	if timeRulesValid(e.descriptor.TimeRules(), deviceEpoch, loc) {
		e.clearIssue(IssueTimezone)
		e.tzNextCheck = now.Add(tzCheckOKPeriod)
		return
	}

	e.logger.Info("device timerule table outdated", zap.String("timezone", tzName))
	e.configTimezone(loc, tzName, deviceEpoch)
	e.tzNextCheck = now.Add(tzCheckNotOKPeriod)
}

// timeRulesValid checks the rule in effect at epoch and the horizon the
// device will cross before the next scheduled check.
func timeRulesValid(rules []meross.TimeRule, epoch int64, loc *time.Location) bool {
	idx := bisectRules(rules, epoch)
	if idx < 0 {
		return false
	}
	rule := rules[idx]
	if !ruleMatches(rule, epoch, loc) {
		return false
	}

	ahead := epoch + int64(tzCheckOKPeriod.Seconds())
	if idx+1 < len(rules) && ahead >= rules[idx+1].Epoch {
		// Crossing into the next rule before the next check: both sides of
		// the transition must agree with the tz database.
		next := rules[idx+1]
		return ruleMatches(rule, next.Epoch-1, loc) && ruleMatches(next, next.Epoch+1, loc)
	}
	return ruleMatches(rule, ahead, loc)
}

// bisectRules returns the index of the rule with the greatest epoch <= t,
// -1 when none applies.
func bisectRules(rules []meross.TimeRule, t int64) int {
	return sort.Search(len(rules), func(i int) bool { return rules[i].Epoch > t }) - 1
}

func ruleMatches(rule meross.TimeRule, epoch int64, loc *time.Location) bool {
	t := time.Unix(epoch, 0).In(loc)
	_, offset := t.Zone()
	return offset == rule.UTCOffset && t.IsDST() == (rule.IsDST == 1)
}

// configTimezone pushes a fresh two-entry timerule table: the transition in
// effect now and the next upcoming one.
func (e *Engine) configTimezone(loc *time.Location, tzName string, deviceEpoch int64) {
	var entries []meross.TimeRule
	if prev, ok := prevTransition(loc, deviceEpoch); ok {
		entries = append(entries, ruleAt(loc, prev))
	} else {
		// Fixed-offset zone: a single rule anchored at the epoch origin.
		r := ruleAt(loc, deviceEpoch)
		r.Epoch = 0
		entries = append(entries, r)
	}
	if next, ok := nextTransition(loc, deviceEpoch); ok {
		entries = append(entries, ruleAt(loc, next))
	}

	timeRule := make([]any, 0, len(entries))
	for _, r := range entries {
		timeRule = append(timeRule, []any{r.Epoch, r.UTCOffset, r.IsDST})
	}
	_, _ = e.sendRequest(meross.Request{
		Namespace: meross.NSSystemTime,
		Method:    meross.MethodSet,
		Payload: map[string]any{
			meross.KeyTime: map[string]any{
				meross.KeyTimezone: tzName,
				meross.KeyTimeRule: timeRule,
			},
		},
	})
}

func ruleAt(loc *time.Location, epoch int64) meross.TimeRule {
	t := time.Unix(epoch, 0).In(loc)
	_, offset := t.Zone()
	isDST := 0
	if t.IsDST() {
		isDST = 1
	}
	return meross.TimeRule{Epoch: epoch, UTCOffset: offset, IsDST: isDST}
}

func offsetAt(loc *time.Location, epoch int64) int {
	_, offset := time.Unix(epoch, 0).In(loc).Zone()
	return offset
}

// nextTransition finds the first epoch after t where the utc offset changes,
// within the horizon.
func nextTransition(loc *time.Location, t int64) (int64, bool) {
	base := offsetAt(loc, t)
	lo := t
	for probe := t + tzProbeStep; probe <= t+tzHorizon; probe += tzProbeStep {
		if offsetAt(loc, probe) != base {
			hi := probe
			for hi-lo > 1 {
				mid := lo + (hi-lo)/2
				if offsetAt(loc, mid) == base {
					lo = mid
				} else {
					hi = mid
				}
			}
			return hi, true
		}
		lo = probe
	}
	return 0, false
}

// prevTransition finds the epoch of the transition that put the current
// offset into effect, within the horizon.
func prevTransition(loc *time.Location, t int64) (int64, bool) {
	base := offsetAt(loc, t)
	hi := t
	for probe := t - tzProbeStep; probe >= t-tzHorizon; probe -= tzProbeStep {
		if offsetAt(loc, probe) != base {
			lo := probe
			for hi-lo > 1 {
				mid := lo + (hi-lo)/2
				if offsetAt(loc, mid) == base {
					hi = mid
				} else {
					lo = mid
				}
			}
			return hi, true
		}
		hi = probe
	}
	return 0, false
}
