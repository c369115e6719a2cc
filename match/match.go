// Package match selects the best worker for a task. It is a pure
// function over the snapshot the caller supplies: no locks, no I/O, no
// clock. The orchestrator fetches a candidate slice from the registry
// once per batch and calls into this package for each task, mutating its
// local copies as assignments land.
package match

import (
	"sort"

	"github.com/fleetform/crew/registry"
	"github.com/fleetform/crew/task"
)

// Eligible reports whether the worker can take the task at all: online,
// below its concurrency cap, and carrying every required capability.
func Eligible(w *registry.Worker, t *task.Task) bool {
	if w.Status == registry.StatusOffline {
		return false
	}
	if w.CurrentTaskCount >= w.MaxConcurrentTasks {
		return false
	}
	return w.HasCapabilities(t.RequiredCapabilities)
}

// FindBestWorker returns the most suitable candidate for the task, or nil
// when no candidate is eligible. Preference order: idle workers before
// non-idle, then lower load, then fewer active tasks. An idle worker wins
// over a busier-status worker even at higher load; idleness signals spare
// capacity that the load number alone does not.
func FindBestWorker(t *task.Task, candidates []*registry.Worker) *registry.Worker {
	var best *registry.Worker
	for _, w := range candidates {
		if !Eligible(w, t) {
			continue
		}
		if best == nil || prefer(w, best) {
			best = w
		}
	}
	return best
}

// Rank sorts eligible candidates from most to least preferred. The input
// slice is not modified.
func Rank(t *task.Task, candidates []*registry.Worker) []*registry.Worker {
	eligible := make([]*registry.Worker, 0, len(candidates))
	for _, w := range candidates {
		if Eligible(w, t) {
			eligible = append(eligible, w)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return prefer(eligible[i], eligible[j])
	})
	return eligible
}

// prefer reports whether a should be chosen over b.
func prefer(a, b *registry.Worker) bool {
	aIdle := a.Status == registry.StatusIdle
	bIdle := b.Status == registry.StatusIdle
	if aIdle != bIdle {
		return aIdle
	}
	if a.Load != b.Load {
		return a.Load < b.Load
	}
	return a.CurrentTaskCount < b.CurrentTaskCount
}
