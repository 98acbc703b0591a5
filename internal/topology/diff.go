package topology

// idSet is the symmetric-difference result for one component kind
// (spec §4.8 reload step 1: "compute the symmetric difference over
// each of {sources, transforms, sinks} between old and new config").
type idSet struct {
	sources, transforms, sinks []string
}

// diff computes, for each of sources/transforms/sinks, which component
// IDs were added, changed (present in both, differing Fingerprint),
// removed, or unchanged (present in both, same Fingerprint).
func diff(old, new Config) (added, changed, removed, unchanged idSet) {
	diffSources(old.Sources, new.Sources, &added, &changed, &removed, &unchanged)
	diffTransforms(old.Transforms, new.Transforms, &added, &changed, &removed, &unchanged)
	diffSinks(old.Sinks, new.Sinks, &added, &changed, &removed, &unchanged)
	return
}

func diffSources(oldM, newM map[string]SourceSpec, added, changed, removed, unchanged *idSet) {
	for id, n := range newM {
		o, ok := oldM[id]
		switch {
		case !ok:
			added.sources = append(added.sources, id)
		case o.Fingerprint != n.Fingerprint:
			changed.sources = append(changed.sources, id)
		default:
			unchanged.sources = append(unchanged.sources, id)
		}
	}
	for id := range oldM {
		if _, ok := newM[id]; !ok {
			removed.sources = append(removed.sources, id)
		}
	}
}

func diffTransforms(oldM, newM map[string]TransformSpec, added, changed, removed, unchanged *idSet) {
	for id, n := range newM {
		o, ok := oldM[id]
		switch {
		case !ok:
			added.transforms = append(added.transforms, id)
		case o.Fingerprint != n.Fingerprint:
			changed.transforms = append(changed.transforms, id)
		default:
			unchanged.transforms = append(unchanged.transforms, id)
		}
	}
	for id := range oldM {
		if _, ok := newM[id]; !ok {
			removed.transforms = append(removed.transforms, id)
		}
	}
}

func diffSinks(oldM, newM map[string]SinkSpec, added, changed, removed, unchanged *idSet) {
	for id, n := range newM {
		o, ok := oldM[id]
		switch {
		case !ok:
			added.sinks = append(added.sinks, id)
		case o.Fingerprint != n.Fingerprint:
			changed.sinks = append(changed.sinks, id)
		default:
			unchanged.sinks = append(unchanged.sinks, id)
		}
	}
	for id := range oldM {
		if _, ok := newM[id]; !ok {
			removed.sinks = append(removed.sinks, id)
		}
	}
}
