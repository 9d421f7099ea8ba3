package harvest

import (
	"path/filepath"

	"github.com/3cpo-dev/brun/internal/worklist"
)

// NodeState classifies a node working directory by which of its two
// bookkeeping files are present.
type NodeState int

const (
	// NodeStale has neither file; the directory is leftover scratch space.
	NodeStale NodeState = iota
	// NodeReconcilable has both files.
	NodeReconcilable
	// NodeMissingOutput claimed work but never wrote results.
	NodeMissingOutput
	// NodeMissingInput wrote results without a claim list.
	NodeMissingInput
)

func (s NodeState) String() string {
	switch s {
	case NodeStale:
		return "stale"
	case NodeReconcilable:
		return "reconcilable"
	case NodeMissingOutput:
		return "missing-output"
	case NodeMissingInput:
		return "missing-input"
	}
	return "unknown"
}

// ClassifyNode inspects a node directory once.
func ClassifyNode(nodeDir string, l worklist.Layout) (NodeState, error) {
	hasOutput, err := worklist.Exists(filepath.Join(nodeDir, l.NodeOutput))
	if err != nil {
		return NodeStale, err
	}
	hasInput, err := worklist.Exists(filepath.Join(nodeDir, l.NodeInput))
	if err != nil {
		return NodeStale, err
	}
	switch {
	case hasOutput && hasInput:
		return NodeReconcilable, nil
	case hasInput:
		return NodeMissingOutput, nil
	case hasOutput:
		return NodeMissingInput, nil
	}
	return NodeStale, nil
}
