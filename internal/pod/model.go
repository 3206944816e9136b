// Package pod defines a family's exported data set and the versioned JSON
// envelope ("pod file") it is stored in.
package pod

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/dmitrijs2005/podsync/internal/common"
)

// TimeLayout is the ISO-8601 form written for every timestamp: UTC with
// millisecond precision.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Known entity collections. Unknown collection names are carried through
// untouched.
const (
	FamilyMembers  = "familyMembers"
	Accounts       = "accounts"
	Transactions   = "transactions"
	Assets         = "assets"
	Goals          = "goals"
	RecurringItems = "recurringItems"
	Todos          = "todos"
	Activities     = "activities"

	settingsKey  = "settings"
	deletionsKey = "deletions"
)

// Collections lists the known entity collections in export order.
var Collections = []string{FamilyMembers, Accounts, Transactions, Assets, Goals, RecurringItems, Todos, Activities}

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad timestamp %q", common.ErrInvalidFormat, s)
	}
	return t.UTC(), nil
}

// Record is one entity. Fields holds every attribute other than id and
// updatedAt as raw JSON.
type Record struct {
	ID        string
	UpdatedAt time.Time
	Fields    map[string]json.RawMessage
}

func (r Record) MarshalJSON() ([]byte, error) {
	m := make(map[string]json.RawMessage, len(r.Fields)+2)
	for k, v := range r.Fields {
		m[k] = v
	}
	id, err := json.Marshal(r.ID)
	if err != nil {
		return nil, err
	}
	m["id"] = id
	m["updatedAt"] = json.RawMessage(`"` + FormatTime(r.UpdatedAt) + `"`)
	return json.Marshal(m)
}

func (r *Record) UnmarshalJSON(b []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("%w: record: %v", common.ErrInvalidFormat, err)
	}

	var id string
	if err := json.Unmarshal(m["id"], &id); err != nil || id == "" {
		return fmt.Errorf("%w: record without id", common.ErrInvalidFormat)
	}
	delete(m, "id")

	var updatedAt time.Time
	if raw, ok := m["updatedAt"]; ok {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("%w: record %s: updatedAt is not a string", common.ErrInvalidFormat, id)
		}
		t, err := ParseTime(s)
		if err != nil {
			return err
		}
		updatedAt = t
		delete(m, "updatedAt")
	}

	*r = Record{ID: id, UpdatedAt: updatedAt, Fields: m}
	return nil
}

// Settings is the per-family singleton. It is merged as a whole value.
type Settings struct {
	UpdatedAt time.Time
	Fields    map[string]json.RawMessage
}

func (s Settings) MarshalJSON() ([]byte, error) {
	m := make(map[string]json.RawMessage, len(s.Fields)+1)
	for k, v := range s.Fields {
		m[k] = v
	}
	m["updatedAt"] = json.RawMessage(`"` + FormatTime(s.UpdatedAt) + `"`)
	return json.Marshal(m)
}

func (s *Settings) UnmarshalJSON(b []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("%w: settings: %v", common.ErrInvalidFormat, err)
	}
	var updatedAt time.Time
	if raw, ok := m["updatedAt"]; ok {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return fmt.Errorf("%w: settings updatedAt", common.ErrInvalidFormat)
		}
		t, err := ParseTime(str)
		if err != nil {
			return err
		}
		updatedAt = t
		delete(m, "updatedAt")
	}
	*s = Settings{UpdatedAt: updatedAt, Fields: m}
	return nil
}

// Tombstone records that a record was deliberately deleted.
type Tombstone struct {
	ID        string
	DeletedAt time.Time
}

type wireTombstone struct {
	ID        string `json:"id"`
	DeletedAt string `json:"deletedAt"`
}

func (t Tombstone) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireTombstone{ID: t.ID, DeletedAt: FormatTime(t.DeletedAt)})
}

func (t *Tombstone) UnmarshalJSON(b []byte) error {
	var w wireTombstone
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("%w: tombstone: %v", common.ErrInvalidFormat, err)
	}
	if w.ID == "" {
		return fmt.Errorf("%w: tombstone without id", common.ErrInvalidFormat)
	}
	at, err := ParseTime(w.DeletedAt)
	if err != nil {
		return err
	}
	*t = Tombstone{ID: w.ID, DeletedAt: at}
	return nil
}

// ExportedData is a family's complete data set.
//
// On the wire every collection is a top-level array keyed by its name, next
// to "settings" and "deletions". Top-level values that are not arrays are kept
// in Extra so they survive a load/save cycle.
type ExportedData struct {
	Collections map[string][]Record
	Settings    *Settings
	Tombstones  []Tombstone
	Extra       map[string]json.RawMessage
}

func (d ExportedData) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(d.Collections)+len(d.Extra)+2)
	for k, v := range d.Extra {
		m[k] = v
	}
	for name, recs := range d.Collections {
		if recs == nil {
			recs = []Record{}
		}
		m[name] = recs
	}
	if d.Settings != nil {
		m[settingsKey] = d.Settings
	}
	tombs := d.Tombstones
	if tombs == nil {
		tombs = []Tombstone{}
	}
	m[deletionsKey] = tombs
	return json.Marshal(m)
}

func (d *ExportedData) UnmarshalJSON(b []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("%w: data: %v", common.ErrInvalidFormat, err)
	}
	if m == nil {
		return fmt.Errorf("%w: data is null", common.ErrInvalidFormat)
	}

	out := ExportedData{Collections: map[string][]Record{}}
	for key, raw := range m {
		switch key {
		case settingsKey:
			if string(raw) == "null" {
				continue
			}
			var s Settings
			if err := json.Unmarshal(raw, &s); err != nil {
				return fmt.Errorf("%w: settings: %v", common.ErrInvalidFormat, err)
			}
			out.Settings = &s
		case deletionsKey:
			if err := json.Unmarshal(raw, &out.Tombstones); err != nil {
				return fmt.Errorf("%w: deletions: %v", common.ErrInvalidFormat, err)
			}
		default:
			if len(raw) == 0 || raw[0] != '[' {
				if out.Extra == nil {
					out.Extra = map[string]json.RawMessage{}
				}
				out.Extra[key] = raw
				continue
			}
			var recs []Record
			if err := json.Unmarshal(raw, &recs); err != nil {
				return fmt.Errorf("%w: collection %s: %v", common.ErrInvalidFormat, key, err)
			}
			out.Collections[key] = recs
		}
	}

	*d = out
	return nil
}

// Upsert replaces the record with the same id in collection, or appends it.
// A tombstone for that id is dropped since the record is live again.
func (d *ExportedData) Upsert(collection string, r Record) {
	if d.Collections == nil {
		d.Collections = map[string][]Record{}
	}
	recs := d.Collections[collection]
	replaced := false
	for i := range recs {
		if recs[i].ID == r.ID {
			recs[i] = r
			replaced = true
			break
		}
	}
	if !replaced {
		recs = append(recs, r)
	}
	d.Collections[collection] = recs

	tombs := d.Tombstones[:0]
	for _, t := range d.Tombstones {
		if t.ID != r.ID {
			tombs = append(tombs, t)
		}
	}
	d.Tombstones = tombs
}

// Delete removes the record from collection and records a tombstone at at.
// It reports whether a record was removed.
func (d *ExportedData) Delete(collection, id string, at time.Time) bool {
	recs := d.Collections[collection]
	found := false
	kept := recs[:0]
	for _, r := range recs {
		if r.ID == id {
			found = true
			continue
		}
		kept = append(kept, r)
	}
	if found {
		d.Collections[collection] = kept
	}

	for i := range d.Tombstones {
		if d.Tombstones[i].ID == id {
			d.Tombstones[i].DeletedAt = at
			return found
		}
	}
	d.Tombstones = append(d.Tombstones, Tombstone{ID: id, DeletedAt: at})
	return found
}

// Find returns the record with id in collection.
func (d ExportedData) Find(collection, id string) (Record, bool) {
	for _, r := range d.Collections[collection] {
		if r.ID == id {
			return r, true
		}
	}
	return Record{}, false
}

// Count returns the number of live records across all collections.
func (d ExportedData) Count() int {
	n := 0
	for _, recs := range d.Collections {
		n += len(recs)
	}
	return n
}

// CollectionNames returns the collection keys in sorted order.
func (d ExportedData) CollectionNames() []string {
	names := make([]string, 0, len(d.Collections))
	for k := range d.Collections {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Empty returns a data set with every known collection present and empty.
func Empty() ExportedData {
	d := ExportedData{Collections: make(map[string][]Record, len(Collections))}
	for _, c := range Collections {
		d.Collections[c] = []Record{}
	}
	return d
}

// Clone returns a copy that shares no slices or maps with d. Raw field
// values are immutable and are shared.
func (d ExportedData) Clone() ExportedData {
	out := ExportedData{}
	if d.Collections != nil {
		out.Collections = make(map[string][]Record, len(d.Collections))
		for k, recs := range d.Collections {
			cp := make([]Record, len(recs))
			for i, r := range recs {
				cp[i] = r.clone()
			}
			out.Collections[k] = cp
		}
	}
	if d.Settings != nil {
		s := Settings{UpdatedAt: d.Settings.UpdatedAt, Fields: cloneFields(d.Settings.Fields)}
		out.Settings = &s
	}
	if d.Tombstones != nil {
		out.Tombstones = append([]Tombstone(nil), d.Tombstones...)
	}
	if d.Extra != nil {
		out.Extra = cloneFields(d.Extra)
	}
	return out
}

func (r Record) clone() Record {
	r.Fields = cloneFields(r.Fields)
	return r
}

func cloneFields(m map[string]json.RawMessage) map[string]json.RawMessage {
	if m == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
