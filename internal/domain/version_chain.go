package domain

import (
	"fmt"
	"sort"
	"time"
)

// SortVersions orders versions by version number ascending.
func SortVersions[A any](versions []DimensionVersion[A]) {
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].Version < versions[j].Version
	})
}

// VersionAt picks the version valid at t from a chain sorted by version.
// Instants before the first version resolve to the first version so rows
// dated before an entity was first loaded still attribute to it. Versions
// whose interval is empty cover no instant and are never returned.
func VersionAt[A any](versions []DimensionVersion[A], at time.Time) (DimensionVersion[A], bool) {
	var live []DimensionVersion[A]
	for _, v := range versions {
		if !v.Empty() {
			live = append(live, v)
		}
	}
	if len(live) == 0 {
		return DimensionVersion[A]{}, false
	}
	if at.Before(live[0].ValidFrom) {
		return live[0], true
	}
	for i := len(live) - 1; i >= 0; i-- {
		if live[i].Covers(at) {
			return live[i], true
		}
	}
	return live[len(live)-1], true
}

// CheckVersionChain verifies the history of one natural key: versions
// numbered 1..n, exactly one open version (the last), every closed
// interval ending where the next one starts.
func CheckVersionChain[A any](versions []DimensionVersion[A]) error {
	if len(versions) == 0 {
		return nil
	}
	chain := append([]DimensionVersion[A](nil), versions...)
	SortVersions(chain)
	key := chain[0].NaturalKey

	open := 0
	for i, v := range chain {
		if v.NaturalKey != key {
			return fmt.Errorf("version chain mixes keys %q and %q", key, v.NaturalKey)
		}
		if v.Version != i+1 {
			return fmt.Errorf("key %q: expected version %d, found %d", key, i+1, v.Version)
		}
		if v.Open() {
			open++
			if i != len(chain)-1 {
				return fmt.Errorf("key %q: version %d is open but not the latest", key, v.Version)
			}
			if !v.IsCurrent {
				return fmt.Errorf("key %q: open version %d is not flagged current", key, v.Version)
			}
			continue
		}
		if v.IsCurrent {
			return fmt.Errorf("key %q: closed version %d still flagged current", key, v.Version)
		}
		if !v.ValidTo.After(v.ValidFrom) {
			return fmt.Errorf("key %q: version %d covers no time", key, v.Version)
		}
		if i+1 < len(chain) && !chain[i+1].ValidFrom.Equal(*v.ValidTo) {
			return fmt.Errorf("key %q: gap or overlap between versions %d and %d", key, v.Version, chain[i+1].Version)
		}
	}
	if open != 1 {
		return fmt.Errorf("key %q: expected one open version, found %d", key, open)
	}
	return nil
}
