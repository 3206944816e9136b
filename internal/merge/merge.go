// Package merge reconciles two snapshots of a family's data set.
//
// The algorithm is record-level last-writer-wins with deletion tombstones:
//
//   - a record whose id has a tombstone with deletedAt at or after the
//     updatedAt of every copy present is dropped;
//   - a record present on one side only is kept;
//   - otherwise the copy with the later updatedAt wins, and the remote
//     (file) copy wins a tie;
//   - tombstones are unioned keeping the latest deletedAt per id, then those
//     older than the retention window are pruned;
//   - settings are merged as one value by the same rule.
//
// Concurrent edits to different fields of one record are not combined; one
// edit wins outright.
//
// Records and tombstones in the result are ordered by id, so merging is
// idempotent and order-independent over that canonical form.
package merge

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/dmitrijs2005/podsync/internal/pod"
)

// DefaultRetention is how long tombstones are carried forward.
const DefaultRetention = 30 * 24 * time.Hour

// Side names which input a value came from.
type Side string

const (
	SideNone   Side = ""
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

// Options tunes a merge. Zero values mean time.Now and DefaultRetention.
type Options struct {
	Now       time.Time
	Retention time.Duration
}

// Report summarizes what a merge decided.
type Report struct {
	KeptLocal    int
	KeptRemote   int
	Suppressed   int
	Pruned       int
	SettingsFrom Side
}

func (o Options) withDefaults() Options {
	if o.Now.IsZero() {
		o.Now = time.Now()
	}
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	return o
}

func (o Options) cutoff() time.Time {
	return o.Now.Add(-o.Retention)
}

// Prune drops the tombstones of d that are older than the retention window
// and reports how many went. Tombstone order is kept and d is not modified.
func Prune(d pod.ExportedData, opts Options) (pod.ExportedData, int) {
	cutoff := opts.withDefaults().cutoff()
	kept := make([]pod.Tombstone, 0, len(d.Tombstones))
	for _, t := range d.Tombstones {
		if !t.DeletedAt.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	pruned := len(d.Tombstones) - len(kept)
	if pruned > 0 {
		d.Tombstones = kept
	}
	return d, pruned
}

// Merge combines local and remote. Neither input is modified.
func Merge(local, remote pod.ExportedData, opts Options) (pod.ExportedData, Report) {
	opts = opts.withDefaults()

	var rep Report
	tombs := mergeTombstones(local.Tombstones, remote.Tombstones)

	out := pod.ExportedData{Collections: map[string][]pod.Record{}}
	for _, name := range collectionNames(local, remote) {
		out.Collections[name] = mergeCollection(local.Collections[name], remote.Collections[name], tombs, &rep)
	}

	out.Settings, rep.SettingsFrom = mergeSettings(local.Settings, remote.Settings)
	out.Tombstones, rep.Pruned = prune(tombs, opts.cutoff())
	out.Extra = mergeExtra(local, remote)

	return out, rep
}

func mergeCollection(local, remote []pod.Record, tombs map[string]time.Time, rep *Report) []pod.Record {
	l := index(local)
	r := index(remote)

	ids := make(map[string]struct{}, len(l)+len(r))
	for id := range l {
		ids[id] = struct{}{}
	}
	for id := range r {
		ids[id] = struct{}{}
	}

	out := make([]pod.Record, 0, len(ids))
	for id := range ids {
		lr, inLocal := l[id]
		rr, inRemote := r[id]

		if deletedAt, ok := tombs[id]; ok {
			if (!inLocal || !deletedAt.Before(lr.UpdatedAt)) && (!inRemote || !deletedAt.Before(rr.UpdatedAt)) {
				rep.Suppressed++
				continue
			}
		}

		switch {
		case inLocal && !inRemote:
			out = append(out, lr)
			rep.KeptLocal++
		case inRemote && !inLocal:
			out = append(out, rr)
			rep.KeptRemote++
		case lr.UpdatedAt.After(rr.UpdatedAt):
			out = append(out, lr)
			rep.KeptLocal++
		default:
			out = append(out, rr)
			rep.KeptRemote++
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// index maps records by id. Duplicate ids on one side collapse to the later
// copy.
func index(recs []pod.Record) map[string]pod.Record {
	m := make(map[string]pod.Record, len(recs))
	for _, rec := range recs {
		if prev, ok := m[rec.ID]; ok && !rec.UpdatedAt.After(prev.UpdatedAt) {
			continue
		}
		m[rec.ID] = rec
	}
	return m
}

func mergeTombstones(local, remote []pod.Tombstone) map[string]time.Time {
	m := make(map[string]time.Time, len(local)+len(remote))
	for _, list := range [][]pod.Tombstone{local, remote} {
		for _, t := range list {
			if prev, ok := m[t.ID]; !ok || t.DeletedAt.After(prev) {
				m[t.ID] = t.DeletedAt
			}
		}
	}
	return m
}

func prune(tombs map[string]time.Time, cutoff time.Time) ([]pod.Tombstone, int) {
	out := make([]pod.Tombstone, 0, len(tombs))
	pruned := 0
	for id, at := range tombs {
		if at.Before(cutoff) {
			pruned++
			continue
		}
		out = append(out, pod.Tombstone{ID: id, DeletedAt: at})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, pruned
}

func mergeSettings(local, remote *pod.Settings) (*pod.Settings, Side) {
	switch {
	case local == nil && remote == nil:
		return nil, SideNone
	case remote == nil:
		return local, SideLocal
	case local == nil:
		return remote, SideRemote
	case local.UpdatedAt.After(remote.UpdatedAt):
		return local, SideLocal
	default:
		return remote, SideRemote
	}
}

// mergeExtra keeps top-level values that are not collections. Remote wins
// on a shared key.
func mergeExtra(local, remote pod.ExportedData) map[string]json.RawMessage {
	if len(local.Extra) == 0 && len(remote.Extra) == 0 {
		return nil
	}
	out := make(map[string]json.RawMessage, len(local.Extra)+len(remote.Extra))
	for k, v := range local.Extra {
		out[k] = v
	}
	for k, v := range remote.Extra {
		out[k] = v
	}
	return out
}

func collectionNames(local, remote pod.ExportedData) []string {
	seen := map[string]struct{}{}
	for k := range local.Collections {
		seen[k] = struct{}{}
	}
	for k := range remote.Collections {
		seen[k] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for k := range seen {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
