// Snapshot builds a pprof-compatible profile of per-Task scheduler
// activity. There is no network stack for net/http/pprof to ride on
// in this kernel, so the profile is built in-memory and handed to
// whatever debug syscall (or serial dump) wants to ship it out,
// matching the pattern of shipping a pprof-shaped snapshot without a
// live pprof server.
package sched

import (
	"strconv"

	"github.com/google/pprof/profile"
)

/// TaskSample is one Task's tick-count contribution to a Snapshot.
type TaskSample struct {
	PID   int
	State State
	Ticks int64
}

/// Snapshot builds a profile.Profile with one sample per Task, valued
/// by its accumulated tick count, labeled with its PID and scheduling
/// state so pprof's text/flame output can group by either.
func Snapshot(samples []TaskSample) *profile.Profile {
	valueType := &profile.ValueType{Type: "ticks", Unit: "count"}
	fn := &profile.Function{ID: 1, Name: "task"}
	loc := &profile.Location{ID: 1, Line: []profile.Line{{Function: fn}}}

	p := &profile.Profile{
		SampleType: []*profile.ValueType{valueType},
		Function:   []*profile.Function{fn},
		Location:   []*profile.Location{loc},
		PeriodType: valueType,
		Period:     1,
	}

	for _, s := range samples {
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{s.Ticks},
			Label: map[string][]string{
				"pid":   {strconv.Itoa(s.PID)},
				"state": {s.State.String()},
			},
		})
	}
	return p
}
