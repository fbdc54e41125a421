// Package stage provides the input-hash-based skip/resume harness shared by
// every step of the ingest pipeline: a stage whose config and input files
// are unchanged since its last successful run is skipped entirely.
package stage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	pwerrors "github.com/pocketwiki/pocketwikirag/internal/errors"
)

// State is the durable record of a stage's last successful completion.
type State struct {
	StageName      string   `json:"stage_name"`
	InputHash      string   `json:"input_hash"`
	Completed      bool     `json:"completed"`
	OutputFileList []string `json:"output_file_list"`
}

// LoadState reads a stage's prior State from path. A missing file returns
// (State{}, false, nil).
func LoadState(path string) (State, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, pwerrors.Wrap(pwerrors.ErrCodeFilePermission, err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, false, pwerrors.Wrap(pwerrors.ErrCodeStageInputChanged, err)
	}
	return st, true, nil
}

// WriteState persists State atomically: temp file then rename. Called only
// after a stage's run succeeds.
func WriteState(path string, st State) (err error) {
	if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
		return pwerrors.Wrap(pwerrors.ErrCodeFilePermission, mkErr)
	}

	data, marshalErr := json.MarshalIndent(st, "", "  ")
	if marshalErr != nil {
		return pwerrors.Wrap(pwerrors.ErrCodeInternal, marshalErr)
	}

	tmpPath := path + ".tmp"
	f, createErr := os.Create(tmpPath)
	if createErr != nil {
		return pwerrors.Wrap(pwerrors.ErrCodeFilePermission, createErr)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err = f.Write(data); err != nil {
		return pwerrors.Wrap(pwerrors.ErrCodeFilePermission, err)
	}
	if err = f.Close(); err != nil {
		return pwerrors.Wrap(pwerrors.ErrCodeFilePermission, err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return pwerrors.Wrap(pwerrors.ErrCodeFilePermission, err)
	}
	return nil
}

// ShouldSkip reports whether a stage with the given name, input hash, and
// declared outputs can be skipped: its prior state must exist, be marked
// completed, carry a matching input hash, and every declared output file
// must still exist on disk.
func ShouldSkip(statePath string, stageName string, inputHash string, declaredOutputs []string) (bool, error) {
	st, found, err := LoadState(statePath)
	if err != nil {
		return false, err
	}
	if !found || !st.Completed || st.StageName != stageName || st.InputHash != inputHash {
		return false, nil
	}
	for _, out := range declaredOutputs {
		if _, statErr := os.Stat(out); statErr != nil {
			return false, nil
		}
	}
	return true, nil
}

// Stage is one step of the pipeline: a named unit of work whose run can be
// skipped if its declared inputs are unchanged and its outputs survive.
type Stage struct {
	Name      string
	InputHash string
	Outputs   []string
	Run       func() error
}

// Runner executes Stages in declaration order, consulting and updating one
// State file (<name>.state.json) per stage under stateDir. A failing stage halts the
// pipeline immediately; its state is left unwritten.
type Runner struct {
	stateDir string

	// OnStageStart, if set, is called just before a non-skipped stage's Run
	// func executes. Callers use this to drive progress display without the
	// Runner itself depending on any rendering package.
	OnStageStart func(name string)
}

// NewRunner creates a Runner that stores stage state files under stateDir.
func NewRunner(stateDir string) *Runner {
	return &Runner{stateDir: stateDir}
}

// RunResult reports what happened to one stage.
type RunResult struct {
	StageName string
	Skipped   bool
	Duration  time.Duration
}

// Run executes stages in order, skipping any whose prior state still
// matches, and halts on the first error.
func (r *Runner) Run(stages []Stage) ([]RunResult, error) {
	results := make([]RunResult, 0, len(stages))
	for _, s := range stages {
		statePath := filepath.Join(r.stateDir, s.Name+".state.json")

		skip, err := ShouldSkip(statePath, s.Name, s.InputHash, s.Outputs)
		if err != nil {
			return results, err
		}
		if skip {
			results = append(results, RunResult{StageName: s.Name, Skipped: true})
			continue
		}

		if r.OnStageStart != nil {
			r.OnStageStart(s.Name)
		}

		start := time.Now()
		if err := s.Run(); err != nil {
			return results, pwerrors.New(pwerrors.ErrCodeInternal, "stage failed: "+s.Name, err)
		}
		elapsed := time.Since(start)

		if err := WriteState(statePath, State{
			StageName:      s.Name,
			InputHash:      s.InputHash,
			Completed:      true,
			OutputFileList: s.Outputs,
		}); err != nil {
			return results, err
		}
		results = append(results, RunResult{StageName: s.Name, Skipped: false, Duration: elapsed})
	}
	return results, nil
}
