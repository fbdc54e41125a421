package stage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldSkip_NoPriorState(t *testing.T) {
	skip, err := ShouldSkip(filepath.Join(t.TempDir(), "s.json"), "chunk", "h1", nil)
	require.NoError(t, err)
	assert.False(t, skip)
}

func TestShouldSkip_MatchingHashAndOutputsPresent(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "s.json")
	outPath := filepath.Join(dir, "out.jsonl")
	require.NoError(t, os.WriteFile(outPath, nil, 0o644))

	require.NoError(t, WriteState(statePath, State{StageName: "chunk", InputHash: "h1", Completed: true, OutputFileList: []string{outPath}}))

	skip, err := ShouldSkip(statePath, "chunk", "h1", []string{outPath})
	require.NoError(t, err)
	assert.True(t, skip)
}

func TestShouldSkip_HashMismatchForcesRerun(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "s.json")
	outPath := filepath.Join(dir, "out.jsonl")
	require.NoError(t, os.WriteFile(outPath, nil, 0o644))
	require.NoError(t, WriteState(statePath, State{StageName: "chunk", InputHash: "h1", Completed: true, OutputFileList: []string{outPath}}))

	skip, err := ShouldSkip(statePath, "chunk", "h2", []string{outPath})
	require.NoError(t, err)
	assert.False(t, skip)
}

func TestShouldSkip_MissingOutputForcesRerun(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "s.json")
	outPath := filepath.Join(dir, "out.jsonl")
	require.NoError(t, WriteState(statePath, State{StageName: "chunk", InputHash: "h1", Completed: true, OutputFileList: []string{outPath}}))

	skip, err := ShouldSkip(statePath, "chunk", "h1", []string{outPath})
	require.NoError(t, err)
	assert.False(t, skip)
}

func TestRunner_SkipsSecondRunWithUnchangedInputs(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.jsonl")
	runCount := 0

	stages := []Stage{{
		Name:      "chunk",
		InputHash: "h1",
		Outputs:   []string{outPath},
		Run: func() error {
			runCount++
			return os.WriteFile(outPath, nil, 0o644)
		},
	}}

	r := NewRunner(dir)
	results, err := r.Run(stages)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Skipped)
	assert.Equal(t, 1, runCount)

	results, err = r.Run(stages)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Skipped)
	assert.Equal(t, 1, runCount, "stage must not re-run when inputs are unchanged")
}

func TestRunner_FailingStageHaltsPipeline(t *testing.T) {
	dir := t.TempDir()
	var secondRan bool

	stages := []Stage{
		{Name: "a", InputHash: "h", Run: func() error { return errors.New("boom") }},
		{Name: "b", InputHash: "h", Run: func() error { secondRan = true; return nil }},
	}

	r := NewRunner(dir)
	_, err := r.Run(stages)
	assert.Error(t, err)
	assert.False(t, secondRan)

	_, found, err := LoadState(filepath.Join(dir, "a.state.json"))
	require.NoError(t, err)
	assert.False(t, found, "failing stage must not write state")
}
