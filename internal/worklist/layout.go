package worklist

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Layout names the files and directories a benchmark directory is made of.
// Worker scripts on the cluster rely on the same names, so they are usually
// left at their defaults.
type Layout struct {
	ShardPrefix string `yaml:"shard_prefix"`
	LockSuffix  string `yaml:"lock_suffix"`
	OutputLog   string `yaml:"output_log"`
	NodeParent  string `yaml:"node_parent"`
	NodeInput   string `yaml:"node_input"`
	NodeOutput  string `yaml:"node_output"`
	MarkerDir   string `yaml:"marker_dir"`
}

// DefaultLayout returns the layout used by the cluster worker scripts.
func DefaultLayout() Layout {
	return Layout{
		ShardPrefix: "karst_input.txt",
		LockSuffix:  "lock",
		OutputLog:   "karst_output.txt",
		NodeParent:  "Test",
		NodeInput:   "node_input.txt",
		NodeOutput:  "node_output.txt",
		MarkerDir:   "typed",
	}
}

// WithDefaults fills every empty field from DefaultLayout.
func (l Layout) WithDefaults() Layout {
	d := DefaultLayout()
	if l.ShardPrefix == "" {
		l.ShardPrefix = d.ShardPrefix
	}
	if l.LockSuffix == "" {
		l.LockSuffix = d.LockSuffix
	}
	if l.OutputLog == "" {
		l.OutputLog = d.OutputLog
	}
	if l.NodeParent == "" {
		l.NodeParent = d.NodeParent
	}
	if l.NodeInput == "" {
		l.NodeInput = d.NodeInput
	}
	if l.NodeOutput == "" {
		l.NodeOutput = d.NodeOutput
	}
	if l.MarkerDir == "" {
		l.MarkerDir = d.MarkerDir
	}
	return l
}

func (l Layout) OutputLogPath(bmDir string) string {
	return filepath.Join(bmDir, l.OutputLog)
}

func (l Layout) MarkerPath(bmDir string) string {
	return filepath.Join(bmDir, l.MarkerDir)
}

func (l Layout) DefaultShardPath(bmDir string) string {
	return filepath.Join(bmDir, l.ShardPrefix+"0")
}

// Benchmarks lists the benchmark directories directly under root in lexical
// order. Hidden directories are not benchmarks.
func Benchmarks(root string) ([]string, error) {
	return subdirs(root)
}

// NodeDirs lists the node working directories of a benchmark.
func (l Layout) NodeDirs(bmDir string) ([]string, error) {
	dirs, err := subdirs(filepath.Join(bmDir, l.NodeParent))
	if os.IsNotExist(err) {
		return nil, nil
	}
	return dirs, err
}

// OutputLogs returns the global output logs that exist under root.
func (l Layout) OutputLogs(root string) ([]string, error) {
	bms, err := Benchmarks(root)
	if err != nil {
		return nil, err
	}
	var logs []string
	for _, bm := range bms {
		p := l.OutputLogPath(bm)
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			logs = append(logs, p)
		}
	}
	return logs, nil
}

func subdirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if !e.IsDir() {
			// follow symlinked benchmark directories
			st, err := os.Stat(p)
			if err != nil || !st.IsDir() {
				continue
			}
		}
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// Exists reports whether path exists. Errors other than "not found" are
// returned so callers do not mistake an unreadable path for a missing one.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", path, err)
}
