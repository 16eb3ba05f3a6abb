package agent

import (
	"os"
	"path/filepath"
)

// WorkingTree is the fixed per-job layout the agent stages a tool run under
// (bit-stable): inputs/, results, result-files/, children/, tags, logs.
type WorkingTree struct {
	Root string
}

// NewWorkingTree creates the fixed layout rooted at root (typically
// /tmp/thorium/<job_id>) and returns a handle to it.
func NewWorkingTree(root string) (WorkingTree, error) {
	wt := WorkingTree{Root: root}
	for _, dir := range []string{wt.InputsDir(), wt.ResultFilesDir(), wt.CarvedChildrenDir(), wt.UnpackedChildrenDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return WorkingTree{}, err
		}
	}
	return wt, nil
}

func (wt WorkingTree) InputsDir() string          { return filepath.Join(wt.Root, "inputs") }
func (wt WorkingTree) ResultsPath() string        { return filepath.Join(wt.Root, "results") }
func (wt WorkingTree) ResultFilesDir() string     { return filepath.Join(wt.Root, "result-files") }
func (wt WorkingTree) ChildrenDir() string         { return filepath.Join(wt.Root, "children") }
func (wt WorkingTree) CarvedChildrenDir() string   { return filepath.Join(wt.ChildrenDir(), "carved") }
func (wt WorkingTree) UnpackedChildrenDir() string { return filepath.Join(wt.ChildrenDir(), "unpacked") }
func (wt WorkingTree) TagsPath() string            { return filepath.Join(wt.Root, "tags") }
func (wt WorkingTree) LogsPath() string            { return filepath.Join(wt.Root, "logs") }

// RemoveAll tears down the working tree; called after outputs are collected
// and reported, or on cleanup after a cancelled run.
func (wt WorkingTree) RemoveAll() error {
	return os.RemoveAll(wt.Root)
}
