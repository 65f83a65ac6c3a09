package hardlink_test

import (
	"bytes"
	"testing"

	"github.com/revdiff/revdiff/internal/fpath"
	"github.com/revdiff/revdiff/internal/hardlink"
	rtest "github.com/revdiff/revdiff/internal/test"
)

func TestTracker(t *testing.T) {
	tr := hardlink.NewTracker()

	rtest.Assert(t, tr.Observe(1, 100, 1, "plain") == nil, "unlinked path must not join a group")

	a := tr.Observe(1, 200, 2, "a")
	c := tr.Observe(1, 201, 3, "c")
	b := tr.Observe(1, 200, 2, "x/b")

	rtest.Assert(t, a != nil && b != nil && c != nil, "linked paths must join groups")
	rtest.Equals(t, *a, *b)
	rtest.Assert(t, *a != *c, "different inodes must get different groups")

	// same inode number on another device is a different file
	d := tr.Observe(2, 200, 2, "other-dev")
	rtest.Assert(t, *d != *a, "same inode on another device must get its own group")

	groups := tr.Groups()
	rtest.Equals(t, 3, len(groups))
	rtest.Equals(t, []fpath.Path{"a", "x/b"}, groups[0].Paths)
	rtest.Equals(t, []fpath.Path{"c"}, groups[1].Paths)
}

func TestSaveLoad(t *testing.T) {
	tr := hardlink.NewTracker()
	tr.Observe(1, 10, 2, "f1")
	tr.Observe(1, 10, 2, "f2")
	tr.Observe(1, 11, 4, "g")

	buf := &bytes.Buffer{}
	rtest.OK(t, hardlink.Save(buf, tr.Groups()))

	groups, err := hardlink.Load(buf)
	rtest.OK(t, err)
	rtest.Equals(t, tr.Groups(), groups)
}

func TestIndex(t *testing.T) {
	groups := []hardlink.Group{
		{ID: 0, Paths: []fpath.Path{"a", "b", "z/c"}},
		{ID: 1, Paths: []fpath.Path{"solo"}},
	}

	ix := hardlink.NewIndex(groups)

	leader, ok := ix.Leader("z/c")
	rtest.Assert(t, ok, "member path must resolve to a leader")
	rtest.Equals(t, fpath.Path("a"), leader)

	rtest.Assert(t, !ix.IsFollower("a"), "the leader itself is not a follower")
	rtest.Assert(t, ix.IsFollower("b"), "second group member is a follower")
	rtest.Assert(t, !ix.IsFollower("solo"), "singleton group has no followers")

	_, ok = ix.Leader("unknown")
	rtest.Assert(t, !ok, "unknown path must not resolve")
}
