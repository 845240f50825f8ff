package llm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// feedAll pushes fragments through the filter and concatenates both sides.
func feedAll(f *ThinkTagFilter, parts ...string) (string, string) {
	var vis, rea string
	for _, p := range parts {
		v, r := f.Feed(p)
		vis += v
		rea += r
	}
	v, r := f.Flush()
	return vis + v, rea + r
}

func TestThinkTagSingleChunk(t *testing.T) {
	vis, rea := feedAll(&ThinkTagFilter{}, "<think>why</think>answer")
	require.Equal(t, "answer", vis)
	require.Equal(t, "why", rea)
}

func TestThinkTagSplitAcrossChunks(t *testing.T) {
	// The same content split at every possible boundary must reassemble
	// identically to the unsplit version.
	content := "pre<think>hidden reasoning</think>post"
	wantVis, wantRea := feedAll(&ThinkTagFilter{}, content)

	for cut := 1; cut < len(content); cut++ {
		vis, rea := feedAll(&ThinkTagFilter{}, content[:cut], content[cut:])
		require.Equal(t, wantVis, vis, "cut at %d", cut)
		require.Equal(t, wantRea, rea, "cut at %d", cut)
	}
}

func TestThinkTagPartialTagNeverDuplicated(t *testing.T) {
	f := &ThinkTagFilter{}
	v1, r1 := f.Feed("abc<thi")
	require.Equal(t, "abc", v1)
	require.Empty(t, r1)

	v2, r2 := f.Feed("nk>inside</think>")
	require.Empty(t, v2)
	require.Equal(t, "inside", r2)
}

func TestThinkTagFalseStartEmittedAsText(t *testing.T) {
	vis, rea := feedAll(&ThinkTagFilter{}, "a<thing>b")
	require.Equal(t, "a<thing>b", vis)
	require.Empty(t, rea)
}

func TestThinkTagUnterminatedFlushGoesToReasoning(t *testing.T) {
	vis, rea := feedAll(&ThinkTagFilter{}, "<think>never closed")
	require.Empty(t, vis)
	require.Equal(t, "never closed", rea)
}

func TestThinkTagMultipleBlocks(t *testing.T) {
	vis, rea := feedAll(&ThinkTagFilter{}, "<think>a</think>x<think>b</think>y")
	require.Equal(t, "xy", vis)
	require.Equal(t, "ab", rea)
}

func TestDeltaTrackerCumulativeStream(t *testing.T) {
	var d DeltaTracker
	require.Equal(t, "Hel", d.Delta("Hel"))
	require.Equal(t, "lo ", d.Delta("Hello "))
	require.Equal(t, "world", d.Delta("Hello world"))
}

func TestDeltaTrackerIncrementalStreamPassesThrough(t *testing.T) {
	var d DeltaTracker
	require.Equal(t, "foo", d.Delta("foo"))
	require.Equal(t, "bar", d.Delta("bar"))
	require.Equal(t, "", d.Delta(""))
}
