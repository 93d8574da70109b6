package validate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jarpatch/internal/cache"
)

func TestSnapshotValid(t *testing.T) {
	s := &cache.Snapshot{Files: []cache.SnapFile{
		{Path: "A.txt", Hash: cache.HashBytes([]byte("a")), Lines: 1},
		{Path: "com/x/M.java", Hash: cache.HashBytes(nil), Lines: 0},
	}}
	assert.NoError(t, Snapshot(s))
	assert.NoError(t, Snapshot(&cache.Snapshot{}))
}

func TestSnapshotReportsEveryIssue(t *testing.T) {
	good := cache.HashBytes([]byte("x"))
	s := &cache.Snapshot{Files: []cache.SnapFile{
		{Path: "b.txt", Hash: good},
		{Path: "/abs", Hash: good},
		{Path: `win\path`, Hash: good},
		{Path: "a/../b", Hash: good},
		{Path: "b.txt", Hash: strings.ToUpper(good)},
		{Path: "", Hash: good, Lines: -1},
	}}
	err := Snapshot(s)
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"files[1] (/abs): path must be relative",
		"forward slashes",
		"'..' segments",
		"files[4] (b.txt): duplicate file path",
		"hash must be 64 lowercase hex chars",
		"path must be non-empty",
		"lines must be >= 0",
		"sorted by path",
	} {
		assert.Contains(t, msg, want)
	}
	assert.Error(t, Snapshot(nil))
}

func TestSHA256(t *testing.T) {
	assert.True(t, SHA256(cache.HashBytes([]byte("x"))))
	assert.False(t, SHA256("abc"))
	assert.False(t, SHA256(""))
}

func TestProblems(t *testing.T) {
	var p Problems
	assert.NoError(t, p.Err())
	assert.Zero(t, p.Len())

	p.Add("first %d", 1)
	p.Add("second")
	assert.Equal(t, 2, p.Len())
	assert.Equal(t, []string{"first 1", "second"}, p.List())
	require.Error(t, p.Err())
	assert.Equal(t, "first 1\nsecond", p.Err().Error())
}
