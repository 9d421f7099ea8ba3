// Package harvest folds the scratch directories left behind by worker jobs
// back into a benchmark's global state: finished results are appended to
// the global output log and unfinished claims are returned to a worklist
// shard.
//
// Merging is not transactional. A crash after results were appended but
// before the node directory is removed makes the next pass append them
// again and requeue the same claims, so a configuration can be recorded
// more than once. Nothing deduplicates against the global log.
package harvest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/brun/internal/worklist"
)

// Picker chooses an index in [0, n). *rand.Rand satisfies it.
type Picker interface {
	Intn(n int) int
}

type NodeResult struct {
	Dir      string
	State    NodeState
	Finished int
	Requeued int
	// Shard received the requeued ids; empty when nothing was requeued.
	Shard string
}

type BenchmarkResult struct {
	Dir string
	// Skipped is set when the benchmark has no global output log yet.
	Skipped bool
	Nodes   []NodeResult
}

// Totals sums finished and requeued counts over all nodes.
func (b BenchmarkResult) Totals() (finished, requeued int) {
	for _, n := range b.Nodes {
		finished += n.Finished
		requeued += n.Requeued
	}
	return finished, requeued
}

type Harvester struct {
	Layout worklist.Layout
	Rand   Picker
	Logger zerolog.Logger
}

func New(l worklist.Layout, rnd Picker) *Harvester {
	return &Harvester{Layout: l, Rand: rnd, Logger: log.Logger}
}

// ReconcileAll harvests every benchmark under root.
func (h *Harvester) ReconcileAll(ctx context.Context, root string) ([]BenchmarkResult, error) {
	bms, err := worklist.Benchmarks(root)
	if err != nil {
		return nil, fmt.Errorf("list benchmarks: %w", err)
	}
	results := make([]BenchmarkResult, 0, len(bms))
	for _, bm := range bms {
		res, err := h.Reconcile(ctx, bm)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// Reconcile harvests every node directory of one benchmark.
func (h *Harvester) Reconcile(ctx context.Context, bmDir string) (BenchmarkResult, error) {
	res := BenchmarkResult{Dir: bmDir}
	h.Logger.Info().Str("benchmark", bmDir).Msg("Cleaning up benchmark")

	outputLog := h.Layout.OutputLogPath(bmDir)
	hasLog, err := worklist.Exists(outputLog)
	if err != nil {
		return res, err
	}
	if !hasLog {
		res.Skipped = true
		expectsOutput, err := worklist.Exists(h.Layout.MarkerPath(bmDir))
		if err != nil {
			return res, err
		}
		if expectsOutput {
			h.Logger.Warn().Str("output", outputLog).Msg("Missing output file, skipping benchmark")
		}
		return res, nil
	}

	nodes, err := h.Layout.NodeDirs(bmDir)
	if err != nil {
		return res, fmt.Errorf("list nodes of %s: %w", bmDir, err)
	}
	for _, node := range nodes {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		nr, err := h.reconcileNode(bmDir, node)
		if err != nil {
			return res, fmt.Errorf("reconcile node %s: %w", node, err)
		}
		res.Nodes = append(res.Nodes, nr)
	}
	return res, nil
}

func (h *Harvester) reconcileNode(bmDir, nodeDir string) (NodeResult, error) {
	res := NodeResult{Dir: nodeDir}
	logger := h.Logger.With().Str("node", nodeDir).Logger()
	output := filepath.Join(nodeDir, h.Layout.NodeOutput)
	input := filepath.Join(nodeDir, h.Layout.NodeInput)

	state, err := ClassifyNode(nodeDir, h.Layout)
	if err != nil {
		return res, err
	}
	res.State = state
	switch state {
	case NodeStale:
		logger.Debug().Msg("Node has no output and no input, deleting")
		return res, os.RemoveAll(nodeDir)
	case NodeMissingOutput:
		logger.Warn().Str("output", output).Msg("Missing node output file, but node has input. Skipping node")
		return res, nil
	case NodeMissingInput:
		logger.Warn().Str("input", input).Msg("Missing node input file, but node has output. Skipping node")
		return res, nil
	}

	logger.Info().Msg("Cleaning up node")
	done, err := mergeFinished(output, h.Layout.OutputLogPath(bmDir))
	if err != nil {
		return res, err
	}
	res.Finished = len(done)
	logger.Info().Int("finished", res.Finished).Msg("Parsed finished configs")

	pending, err := unfinishedClaims(input, done)
	if err != nil {
		return res, err
	}
	if len(pending) > 0 {
		shard, err := h.pickShard(bmDir)
		if err != nil {
			return res, err
		}
		if err := worklist.AppendShard(shard, pending); err != nil {
			return res, err
		}
		res.Shard = shard
	}
	res.Requeued = len(pending)
	logger.Info().Int("requeued", res.Requeued).Str("shard", res.Shard).Msg("Put unfinished configs back on the worklist")

	if err := os.RemoveAll(nodeDir); err != nil {
		return res, fmt.Errorf("remove node dir: %w", err)
	}
	return res, nil
}

// pickShard selects a visible shard uniformly at random, or names the
// default shard when the benchmark has none.
func (h *Harvester) pickShard(bmDir string) (string, error) {
	set, err := h.Layout.Shards(bmDir)
	if err != nil {
		return "", err
	}
	h.Logger.Debug().Str("benchmark", bmDir).Int("visible", len(set.Visible)).Int("locked", set.Locked).Msg("Choosing requeue shard")
	if len(set.Visible) == 0 {
		return h.Layout.DefaultShardPath(bmDir), nil
	}
	return set.Visible[h.Rand.Intn(len(set.Visible))], nil
}

// mergeFinished appends every complete line of a node's output to the
// global log and returns the ids it recorded. A complete line that does not
// start with a configuration id means the result format is corrupt; lines
// merged before it stay merged.
func mergeFinished(nodeOutput, globalLog string) (map[worklist.ConfigID]struct{}, error) {
	in, err := os.Open(nodeOutput)
	if err != nil {
		return nil, fmt.Errorf("open node output: %w", err)
	}
	defer in.Close()
	out, err := os.OpenFile(globalLog, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open output log: %w", err)
	}
	w := bufio.NewWriter(out)

	done := map[worklist.ConfigID]struct{}{}
	scanErr := eachLine(in, func(line string) error {
		if !worklist.IsFinished(line) {
			return nil
		}
		id, err := worklist.ParseConfigID(line)
		if err != nil {
			return err
		}
		if _, err := w.WriteString(line + "\n"); err != nil {
			return err
		}
		done[id] = struct{}{}
		return nil
	})
	flushErr := w.Flush()
	closeErr := out.Close()
	if err := errors.Join(scanErr, flushErr, closeErr); err != nil {
		return nil, fmt.Errorf("merge %s: %w", nodeOutput, err)
	}
	return done, nil
}

// unfinishedClaims returns the claimed ids of a node input that are not in
// done, in file order.
func unfinishedClaims(nodeInput string, done map[worklist.ConfigID]struct{}) ([]worklist.ConfigID, error) {
	f, err := os.Open(nodeInput)
	if err != nil {
		return nil, fmt.Errorf("open node input: %w", err)
	}
	defer f.Close()
	var pending []worklist.ConfigID
	err = eachLine(f, func(line string) error {
		if line == "" {
			return nil
		}
		id := worklist.ConfigID(line)
		if _, ok := done[id]; !ok {
			pending = append(pending, id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", nodeInput, err)
	}
	return pending, nil
}

// eachLine calls fn with every whitespace-trimmed line of r. Result lines
// can be long, so this reads without a line length limit.
func eachLine(r io.Reader, fn func(string) error) error {
	br := bufio.NewReader(r)
	for {
		raw, err := br.ReadString('\n')
		if raw != "" {
			if ferr := fn(strings.TrimSpace(raw)); ferr != nil {
				return ferr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
