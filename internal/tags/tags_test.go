package tags

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	s := Parse("git-ok,conflict-master")
	require.Equal(t, "git-ok,conflict-master", s.String())
	require.True(t, s.Has("git-ok"))
	require.True(t, s.Has("conflict-master"))
	require.False(t, s.Has("no-conflicts"))
}

func TestParseEmpty(t *testing.T) {
	require.Equal(t, "", Parse("").String())
	require.Equal(t, "", Parse("   ").String())
}

func TestParseDropsBlankEntriesAndTrims(t *testing.T) {
	s := Parse(" git-ok , , conflict-pickme ,")
	require.Equal(t, "git-ok,conflict-pickme", s.String())
}

func TestAddIsIdempotentAndOrderPreserving(t *testing.T) {
	s := Parse("git-ok")
	s = s.Add("conflict-master")
	require.Equal(t, "git-ok,conflict-master", s.String())

	s = s.Add("git-ok")
	require.Equal(t, "git-ok,conflict-master", s.String(), "adding an existing tag must not duplicate or reorder")
}

func TestAddReturnsNewSetWithoutMutatingReceiver(t *testing.T) {
	original := Parse("git-ok")
	updated := original.Add("conflict-master")

	require.Equal(t, "git-ok", original.String())
	require.Equal(t, "git-ok,conflict-master", updated.String())
}

func TestRemove(t *testing.T) {
	s := Parse("git-ok,conflict-master,no-conflicts")
	s = s.Remove("conflict-master")
	require.Equal(t, "git-ok,no-conflicts", s.String())
}

func TestRemoveMissingTagIsNoop(t *testing.T) {
	s := Parse("git-ok")
	s = s.Remove("conflict-master")
	require.Equal(t, "git-ok", s.String())
}

func TestRemoveReturnsNewSetWithoutMutatingReceiver(t *testing.T) {
	original := Parse("git-ok,conflict-master")
	updated := original.Remove("conflict-master")

	require.Equal(t, "git-ok,conflict-master", original.String())
	require.Equal(t, "git-ok", updated.String())
}

func TestHasSubstringMatchesNoConflictsAgainstConflict(t *testing.T) {
	// "conflict" is a substring of "no-conflicts" too - this is intentional,
	// see spec §9 Open Questions.
	s := Parse("no-conflicts")
	require.True(t, s.HasSubstring("conflict"))
}

func TestHasSubstringMatchesConflictMasterAndPickme(t *testing.T) {
	require.True(t, Parse("conflict-master").HasSubstring("conflict"))
	require.True(t, Parse("conflict-pickme").HasSubstring("conflict"))
	require.False(t, Parse("git-ok").HasSubstring("conflict"))
}

func TestAddTagAndRemoveTagConvenienceRoundTrip(t *testing.T) {
	stored := "git-ok"
	stored = AddTag(stored, "conflict-master")
	require.Equal(t, "git-ok,conflict-master", stored)

	stored = RemoveTag(stored, "git-ok")
	require.Equal(t, "conflict-master", stored)
}
