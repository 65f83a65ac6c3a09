// Package hardlink tracks which paths share storage. During a scan, paths
// with the same device and inode are collected into groups; the groups are
// persisted per session so that restores can recreate the link topology.
// Inode numbers are never stable across a mirror copy, so restores work from
// the persisted groups only.
package hardlink

import (
	"io"
	"sort"

	"github.com/revdiff/revdiff/internal/errors"
	"github.com/revdiff/revdiff/internal/fpath"
	"github.com/revdiff/revdiff/internal/json"
)

type key struct {
	device uint64
	inode  uint64
}

// Tracker assigns hardlink group ids during a single scan. Ids are stable
// within the session (first-seen order), not across sessions.
type Tracker struct {
	ids   map[key]uint64
	paths map[uint64][]fpath.Path
	next  uint64
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		ids:   make(map[key]uint64),
		paths: make(map[uint64][]fpath.Path),
	}
}

// Observe registers path under its device and inode and returns the group
// id, or nil for paths that are not hard-linked (link count below two).
// Paths must be observed in ascending path order.
func (t *Tracker) Observe(device, inode, links uint64, path fpath.Path) *uint64 {
	if links < 2 {
		return nil
	}

	k := key{device: device, inode: inode}
	id, ok := t.ids[k]
	if !ok {
		id = t.next
		t.next++
		t.ids[k] = id
	}

	t.paths[id] = append(t.paths[id], path)

	ret := id
	return &ret
}

// Group is one persisted equivalence class. Paths are in the order they
// were observed, which is ascending path order.
type Group struct {
	ID    uint64       `json:"id"`
	Paths []fpath.Path `json:"paths"`
}

// Groups returns all observed groups ordered by id. Groups with a single
// member are kept: the other links may live outside the source tree.
func (t *Tracker) Groups() []Group {
	out := make([]Group, 0, len(t.paths))
	for id, paths := range t.paths {
		out = append(out, Group{ID: id, Paths: paths})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Save persists groups as JSON.
func Save(w io.Writer, groups []Group) error {
	enc := json.NewEncoder(w)
	return errors.Wrap(enc.Encode(groups), "Encode")
}

// Load reads groups persisted by Save.
func Load(r io.Reader) ([]Group, error) {
	var groups []Group
	dec := json.NewDecoder(r)
	if err := dec.Decode(&groups); err != nil {
		return nil, errors.Wrap(err, "Decode")
	}
	return groups, nil
}

// Index answers leader queries during a restore.
type Index struct {
	leader map[fpath.Path]fpath.Path
}

// NewIndex builds an Index from persisted groups. The first path of each
// group is its leader; all other members are restored as hard links to it.
func NewIndex(groups []Group) *Index {
	ix := &Index{leader: make(map[fpath.Path]fpath.Path)}
	for _, g := range groups {
		if len(g.Paths) == 0 {
			continue
		}
		for _, p := range g.Paths {
			ix.leader[p] = g.Paths[0]
		}
	}
	return ix
}

// Leader returns the leader of path's group. The second return value is
// false for paths that belong to no group.
func (ix *Index) Leader(path fpath.Path) (fpath.Path, bool) {
	l, ok := ix.leader[path]
	return l, ok
}

// IsFollower reports whether path must be restored as a hard link to
// another path rather than from content.
func (ix *Index) IsFollower(path fpath.Path) bool {
	l, ok := ix.leader[path]
	return ok && l != path
}
