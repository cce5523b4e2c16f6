package engine

import (
	"sort"

	"github.com/harrison/foreman/internal/models"
)

// Scheduler picks ready nodes for execution, respecting the plan's and
// the process-wide parallelism limits. Selection order is stable: group
// ascending, then producer id ascending.
type Scheduler struct {
	// GlobalMaxParallel caps work-performing nodes running across all
	// plans. Zero or negative means unlimited.
	GlobalMaxParallel int
}

// SelectNodes returns the ids of ready nodes that fit the remaining
// capacity. runningLocal and runningGlobal count currently running
// work-performing nodes for this plan and across all plans. Paused plans
// and plans waiting on another plan select nothing. Nodes whose work is a
// no-op do not consume slots.
func (s *Scheduler) SelectNodes(plan *models.PlanInstance, runningLocal, runningGlobal int) []string {
	if plan.IsPaused || plan.ResumeAfter != "" {
		return nil
	}

	var ready []string
	for id, state := range plan.NodeStates {
		if state.Status == models.StatusReady {
			ready = append(ready, id)
		}
	}
	if len(ready) == 0 {
		return nil
	}

	sort.Slice(ready, func(i, j int) bool {
		a, b := plan.Nodes[ready[i]], plan.Nodes[ready[j]]
		if a.Group != b.Group {
			return a.Group < b.Group
		}
		return a.ProducerID < b.ProducerID
	})

	localSlots := remainingSlots(plan.MaxParallel, runningLocal)
	globalSlots := remainingSlots(s.GlobalMaxParallel, runningGlobal)

	var selected []string
	for _, id := range ready {
		node := plan.Nodes[id]
		if !node.PerformsWork() {
			selected = append(selected, id)
			continue
		}
		if localSlots == 0 || globalSlots == 0 {
			continue
		}
		selected = append(selected, id)
		if localSlots > 0 {
			localSlots--
		}
		if globalSlots > 0 {
			globalSlots--
		}
	}
	return selected
}

// remainingSlots returns how many more nodes fit under limit, or -1 for
// unlimited.
func remainingSlots(limit, running int) int {
	if limit <= 0 {
		return -1
	}
	if running >= limit {
		return 0
	}
	return limit - running
}
