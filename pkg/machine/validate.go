package machine

import (
	"fmt"
	"sort"

	"github.com/rendis/stepmachine/pkg/schema"
)

// Validate checks the chain's structural soundness without modifying it:
// the entry exists, every transition target exists or is a terminal marker,
// self-transitions are backed by a retry policy, and every step reachable
// from the entry has a path to a terminal marker.
func (c *Chain) Validate() error {
	return c.Analyze().Err()
}

// Analyze runs the same checks as Validate and also reports steps that are
// unreachable from the entry as warnings.
func (c *Chain) Analyze() *schema.Report {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.analyzeLocked()
}

// Orphans lists steps that cannot be reached from the entry, in insertion order.
func (c *Chain) Orphans() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, ok := c.steps[c.entryID]; !ok {
		return nil
	}
	reachable := c.reachableLocked()
	var out []string
	for _, id := range c.order {
		if !reachable[id] {
			out = append(out, id)
		}
	}
	return out
}

func (c *Chain) analyzeLocked() *schema.Report {
	result := &schema.Report{}

	if len(c.order) == 0 {
		result.Fail("steps", schema.ErrCodeUnknownStep, "chain has no steps")
		return result
	}
	if _, ok := c.steps[c.entryID]; !ok {
		result.Fail("entry_id", schema.ErrCodeUnknownStep, fmt.Sprintf("entry step %q does not exist", c.entryID))
		return result
	}
	if c.defaultTarget != "" && !c.targetExists(c.defaultTarget) {
		result.Fail("default", schema.ErrCodeUnknownStep, fmt.Sprintf("default target %q does not exist", c.defaultTarget))
	}

	for _, id := range c.order {
		s := c.steps[id]
		for _, tag := range sortedTags(s.Transitions) {
			target := s.Transitions[tag]
			path := fmt.Sprintf("steps.%s.transitions.%s", id, tag)
			if !c.targetExists(target) {
				result.Fail(path, schema.ErrCodeUnknownStep,
					fmt.Sprintf("step %q transitions on %q to unknown step %q", id, tag, target))
				continue
			}
			if target == id && !s.allowsSelfTransition() {
				result.Fail(path, schema.ErrCodeSelfTransition,
					fmt.Sprintf("step %q transitions to itself on %q without a retry policy", id, tag))
			}
		}
	}
	if !result.Valid() {
		// Dangling references make path analysis meaningless.
		return result
	}

	reachable := c.reachableLocked()
	terminating := c.terminatingLocked()
	for _, id := range c.order {
		switch {
		case !reachable[id]:
			result.Warn("steps."+id, schema.ErrCodeValidation,
				fmt.Sprintf("step %q is unreachable from entry %q", id, c.entryID))
		case !terminating[id]:
			result.Fail("steps."+id, schema.ErrCodeUnreachableTerminal,
				fmt.Sprintf("no path from step %q reaches a terminal marker", id))
		}
	}
	return result
}

func (c *Chain) targetExists(target string) bool {
	if schema.IsTerminalTarget(target) {
		return true
	}
	_, ok := c.steps[target]
	return ok
}

// successorsLocked returns the declared targets of a step, including the
// chain default which applies to any unmatched outcome.
func (c *Chain) successorsLocked(id string) []string {
	s := c.steps[id]
	out := make([]string, 0, len(s.Transitions)+1)
	for _, tag := range sortedTags(s.Transitions) {
		out = append(out, s.Transitions[tag])
	}
	if c.defaultTarget != "" {
		out = append(out, c.defaultTarget)
	}
	return out
}

// reachableLocked walks the transition graph breadth-first from the entry.
func (c *Chain) reachableLocked() map[string]bool {
	reachable := map[string]bool{c.entryID: true}
	queue := []string{c.entryID}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, next := range c.successorsLocked(node) {
			if schema.IsTerminalTarget(next) || reachable[next] {
				continue
			}
			reachable[next] = true
			queue = append(queue, next)
		}
	}
	return reachable
}

// terminatingLocked marks every step with at least one path to a terminal
// marker, walking reverse edges from steps that target a terminal directly.
func (c *Chain) terminatingLocked() map[string]bool {
	reverse := make(map[string][]string, len(c.order))
	terminating := make(map[string]bool, len(c.order))
	var queue []string

	for _, id := range c.order {
		for _, next := range c.successorsLocked(id) {
			if schema.IsTerminalTarget(next) {
				if !terminating[id] {
					terminating[id] = true
					queue = append(queue, id)
				}
				continue
			}
			reverse[next] = append(reverse[next], id)
		}
	}

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, prev := range reverse[node] {
			if !terminating[prev] {
				terminating[prev] = true
				queue = append(queue, prev)
			}
		}
	}
	return terminating
}

func sortedTags(m map[string]string) []string {
	tags := make([]string, 0, len(m))
	for k := range m {
		tags = append(tags, k)
	}
	sort.Strings(tags)
	return tags
}
