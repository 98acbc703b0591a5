package topology

import (
	"fmt"
	"sort"
)

// ValidationError collects every problem found while validating a
// Config, since spec §7 requires "all [config errors] listed before any
// component starts" rather than failing on the first one found.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "topology: " + e.Problems[0]
	}
	return fmt.Sprintf("topology: %d config problems found", len(e.Problems))
}

func (e *ValidationError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// outputsOf returns the declared output types for an upstream component
// id, which must be a source or a transform.
func outputsOf(cfg *Config, id string) ([]OutputType, bool) {
	if s, ok := cfg.Sources[id]; ok {
		return s.Factory.Outputs(), true
	}
	if t, ok := cfg.Transforms[id]; ok {
		return t.Factory.Outputs(), true
	}
	return nil, false
}

// validate checks cfg for cycles, unresolved inputs, type
// incompatibility, and resource conflicts (spec §4.8's build-time
// validation list). It returns every problem found, not just the first.
func validate(cfg *Config) *ValidationError {
	verr := &ValidationError{}

	// Unresolved inputs and duplicate IDs across sections.
	seen := make(map[string]string) // id -> section
	for id := range cfg.Sources {
		seen[id] = "source"
	}
	for id, t := range cfg.Transforms {
		if section, ok := seen[id]; ok {
			verr.add("component %q declared as both %s and transform", id, section)
		}
		seen[id] = "transform"
		for _, in := range t.Inputs {
			if _, ok := outputsOf(cfg, in); !ok {
				verr.add("transform %q: input %q does not refer to any source or transform", id, in)
			}
		}
	}
	for id, s := range cfg.Sinks {
		if section, ok := seen[id]; ok {
			verr.add("component %q declared as both %s and sink", id, section)
		}
		seen[id] = "sink"
		for _, in := range s.Inputs {
			if _, ok := outputsOf(cfg, in); !ok {
				verr.add("sink %q: input %q does not refer to any source or transform", id, in)
			}
		}
	}

	checkCycles(cfg, verr)
	checkTypeCompatibility(cfg, verr)
	checkResourceConflicts(cfg, verr)

	if len(verr.Problems) == 0 {
		return nil
	}
	return verr
}

// checkCycles runs Kahn's algorithm over the transform/sink dependency
// graph (sources have no inputs, so they can never participate in a
// cycle). A transform left unvisited at the end is part of a cycle.
func checkCycles(cfg *Config, verr *ValidationError) {
	indegree := make(map[string]int)
	dependents := make(map[string][]string) // upstream id -> downstream ids that depend on it

	for id := range cfg.Transforms {
		indegree[id] = 0
	}
	for id := range cfg.Transforms {
		t := cfg.Transforms[id]
		for _, in := range t.Inputs {
			if _, ok := cfg.Transforms[in]; ok {
				indegree[id]++
				dependents[in] = append(dependents[in], id)
			}
		}
	}

	var queue []string
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue) // deterministic order for reproducible error messages

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		next := append([]string(nil), dependents[id]...)
		sort.Strings(next)
		for _, d := range next {
			indegree[d]--
			if indegree[d] == 0 {
				queue = append(queue, d)
			}
		}
	}

	if visited != len(cfg.Transforms) {
		var cyclic []string
		for id, deg := range indegree {
			if deg > 0 {
				cyclic = append(cyclic, id)
			}
		}
		sort.Strings(cyclic)
		verr.add("cycle detected among transforms: %v", cyclic)
	}
}

func checkTypeCompatibility(cfg *Config, verr *ValidationError) {
	for id, t := range cfg.Transforms {
		for _, in := range t.Inputs {
			outs, ok := outputsOf(cfg, in)
			if !ok {
				continue // already reported as unresolved
			}
			if !anyIntersects(outs, t.Factory.Input()) {
				verr.add("transform %q: none of input %q's output types are accepted", id, in)
			}
		}
	}
	for id, s := range cfg.Sinks {
		for _, in := range s.Inputs {
			outs, ok := outputsOf(cfg, in)
			if !ok {
				continue
			}
			if !anyIntersects(outs, s.Factory.InputType()) {
				verr.add("sink %q: none of input %q's output types are accepted", id, in)
			}
		}
	}
}

func anyIntersects(outs []OutputType, accept OutputType) bool {
	for _, o := range outs {
		if o.Intersects(accept) {
			return true
		}
	}
	return false
}

func checkResourceConflicts(cfg *Config, verr *ValidationError) {
	type claim struct {
		owner string
		res   Resource
	}
	var claims []claim
	for id, s := range cfg.Sources {
		for _, r := range s.Factory.Resources() {
			claims = append(claims, claim{owner: id, res: r})
		}
	}
	for id, s := range cfg.Sinks {
		for _, r := range s.Factory.Resources() {
			claims = append(claims, claim{owner: id, res: r})
		}
	}

	reported := make(map[string]bool)
	for i := 0; i < len(claims); i++ {
		for j := i + 1; j < len(claims); j++ {
			if claims[i].owner == claims[j].owner {
				continue
			}
			if claims[i].res.conflictsWith(claims[j].res) {
				key := claims[i].owner + "|" + claims[j].owner + "|" + claims[i].res.Protocol + fmt.Sprint(claims[i].res.Port)
				if reported[key] {
					continue
				}
				reported[key] = true
				verr.add("resource conflict: %q and %q both claim %s port %d",
					claims[i].owner, claims[j].owner, claims[i].res.Protocol, claims[i].res.Port)
			}
		}
	}
}
