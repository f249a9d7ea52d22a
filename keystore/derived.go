package keystore

import (
	"maps"
	"slices"
	"sync/atomic"

	"github.com/kardianos/gokdc/krb5"
)

// DerivedSource holds key sets supplied directly to the process, one per
// caller. Publish replaces the whole table at once.
type DerivedSource struct {
	cur atomic.Pointer[map[Caller]KeySet]
}

func NewDerivedSource() *DerivedSource {
	d := &DerivedSource{}
	empty := map[Caller]KeySet{}
	d.cur.Store(&empty)
	return d
}

// Publish installs sets as the new table. The sets are copied, so the
// caller may reuse its slices. Each copy is ordered newest version first,
// so a lookup that ignores the version finds the current key.
func (d *DerivedSource) Publish(sets map[Caller]KeySet) {
	next := make(map[Caller]KeySet, len(sets))
	for c, s := range sets {
		next[c] = newestFirst(s)
	}
	d.cur.Store(&next)
}

// Set replaces the key set of one caller, leaving the others.
func (d *DerivedSource) Set(caller Caller, keys KeySet) {
	for {
		old := d.cur.Load()
		next := maps.Clone(*old)
		next[caller] = newestFirst(keys)
		if d.cur.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Lookup returns the caller's key set, narrowed to name when given.
func (d *DerivedSource) Lookup(caller Caller, name *krb5.Principal) (KeySet, bool) {
	p := d.cur.Load()
	if p == nil {
		return nil, false
	}
	set := (*p)[caller]
	if name != nil {
		set = set.For(*name)
	}
	if len(set) == 0 {
		return nil, false
	}
	return set, true
}

func newestFirst(keys KeySet) KeySet {
	out := slices.Clone(keys)
	slices.SortStableFunc(out, func(a, b LongTermKey) int { return b.KVNO - a.KVNO })
	return out
}
