package cache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContainsFalseForUnknownSHA(t *testing.T) {
	c := NewMasterCommits(1000)
	require.False(t, c.Contains("deadbeef"))
}

func TestRecordThenContains(t *testing.T) {
	c := NewMasterCommits(1000)
	c.Record("deadbeef")
	require.True(t, c.Contains("deadbeef"))
}

func TestRecordPurgesPastMaxSize(t *testing.T) {
	c := NewMasterCommits(2)
	c.Record("a")
	c.Record("b")
	c.Record("c") // pushes len past maxSize, triggering a purge before insert

	require.False(t, c.Contains("a"), "purge should have dropped earlier entries")
	require.False(t, c.Contains("b"))
	require.True(t, c.Contains("c"), "the entry that triggered the purge is still recorded")
}

func TestNegativeAnswersAreNeverCached(t *testing.T) {
	c := NewMasterCommits(1000)
	require.False(t, c.Contains("never-recorded"))
	require.False(t, c.Contains("never-recorded"), "Contains must not have a side effect")
}

func TestConcurrentRecordAndContains(t *testing.T) {
	c := NewMasterCommits(1000)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Record("sha")
			c.Contains("sha")
		}(i)
	}
	wg.Wait()
	require.True(t, c.Contains("sha"))
}
