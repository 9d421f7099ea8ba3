package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/brun/internal/queue"
)

// MockQueue for testing
type MockQueue struct {
	jobs      []queue.JobStatus
	listErr   error
	submitErr error
	submitted []queue.SubmitRequest
}

func (m *MockQueue) Name() string { return "mock" }

func (m *MockQueue) ListJobs(ctx context.Context) ([]queue.JobStatus, error) {
	return m.jobs, m.listErr
}

func (m *MockQueue) SubmitJob(ctx context.Context, req queue.SubmitRequest) (queue.JobHandle, error) {
	m.submitted = append(m.submitted, req)
	if m.submitErr != nil {
		return queue.JobHandle{}, m.submitErr
	}
	return queue.JobHandle{ID: fmt.Sprintf("%d.mock", len(m.submitted))}, nil
}

func (m *MockQueue) StatusHint() string { return "mockstat -u bench" }

type mockRecorder struct {
	passes []PassRecord
}

func (r *mockRecorder) RecordPass(ctx context.Context, p PassRecord) (int64, error) {
	r.passes = append(r.passes, p)
	return int64(len(r.passes)), nil
}

type mockPublisher struct {
	logs []string
	err  error
}

func (p *mockPublisher) Publish(ctx context.Context, logs []string) error {
	p.logs = logs
	return p.err
}

type firstPicker struct{}

func (firstPicker) Intn(int) int { return 0 }

func testConfig(root string) Config {
	cfg := DefaultConfig()
	cfg.Root = root
	cfg.User = "bench"
	cfg.Queue.WorkerScript = filepath.Join(root, "karst", "bnode.sh")
	return cfg
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newTestCoordinator(cfg Config, q queue.Client, out *bytes.Buffer, opts ...Option) *Coordinator {
	base := []Option{
		WithOutput(out),
		WithLogger(zerolog.Nop()),
		WithPicker(firstPicker{}),
		WithClock(func() time.Time { return time.Date(2016, 5, 1, 6, 0, 0, 0, time.UTC) }),
	}
	return NewCoordinator(cfg, q, append(base, opts...)...)
}

func TestRunRefusesWhileJobsInProgress(t *testing.T) {
	root := t.TempDir()
	node := filepath.Join(root, "bm1", "Test", "n1")
	writeFile(t, filepath.Join(root, "bm1", "karst_output.txt"), "")
	writeFile(t, filepath.Join(node, "node_input.txt"), "1\n")
	writeFile(t, filepath.Join(node, "node_output.txt"), "1 [1]\n")
	empty := filepath.Join(root, "bm1", "karst_input.txt0")
	writeFile(t, empty, "")

	q := &MockQueue{jobs: []queue.JobStatus{
		{Row: "1.m2 ... 02:10:00", Elapsed: 2*time.Hour + 10*time.Minute, ElapsedKnown: true},
		{Row: "2.m2 ... 05:00:00", Elapsed: 5 * time.Hour, ElapsedKnown: true},
	}}
	rec := &mockRecorder{}
	var out bytes.Buffer
	rep, err := newTestCoordinator(testConfig(root), q, &out, WithRecorder(rec)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeBusy, rep.Outcome)
	assert.Equal(t, 2, rep.Status.JobCount)
	assert.Equal(t, 19, rep.Status.HoursRemaining)
	assert.Equal(t, "Cannot start `brun`, 2 jobs still running (19 hours left). Use 'mockstat -u bench' to check job status.\n", out.String())
	assert.Empty(t, q.submitted)
	require.Len(t, rec.passes, 1)
	assert.Equal(t, PassRecord{
		StartedAt:      time.Date(2016, 5, 1, 6, 0, 0, 0, time.UTC),
		Outcome:        OutcomeBusy,
		StatusKnown:    true,
		JobCount:       2,
		HoursRemaining: 19,
	}, rec.passes[0])

	// nothing was touched
	_, err = os.Stat(node)
	assert.NoError(t, err)
	_, err = os.Stat(empty)
	assert.NoError(t, err)
}

func TestRunUnknownQueueFormat(t *testing.T) {
	q := &MockQueue{jobs: []queue.JobStatus{{Row: "garbled"}}}
	var out bytes.Buffer
	rep, err := newTestCoordinator(testConfig(t.TempDir()), q, &out).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeBusy, rep.Outcome)
	assert.Contains(t, out.String(), "?? jobs still running (?? hours left)")
}

func TestRunQueueFailureIsFatal(t *testing.T) {
	root := t.TempDir()
	shard := filepath.Join(root, "bm1", "karst_input.txt0")
	writeFile(t, shard, "")
	boom := errors.New("qstat: cannot connect")
	var out bytes.Buffer
	_, err := newTestCoordinator(testConfig(root), &MockQueue{listErr: boom}, &out).Run(context.Background())
	require.ErrorIs(t, err, boom)
	_, statErr := os.Stat(shard)
	assert.NoError(t, statErr, "no pruning after a failed gate")
}

func TestRunDispatchesWhenWorkPending(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "bm1", "karst_input.txt0"), "1\n2\n")

	q := &MockQueue{}
	rec := &mockRecorder{}
	var out bytes.Buffer
	cfg := testConfig(root)
	rep, err := newTestCoordinator(cfg, q, &out, WithRecorder(rec)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeDispatched, rep.Outcome)
	require.Len(t, rep.Harvest, 1)
	assert.True(t, rep.Harvest[0].Skipped)
	assert.Len(t, q.submitted, 8)
	assert.Len(t, rep.Submitted, 8)
	assert.Equal(t, queue.SubmitRequest{
		Script:       cfg.Queue.WorkerScript,
		Nodes:        1,
		CoresPerNode: 16,
		Walltime:     24 * time.Hour,
	}, q.submitted[0])
	assert.Equal(t, "Starting 8 nodes\n", out.String())

	require.Len(t, rec.passes, 1)
	assert.Equal(t, OutcomeDispatched, rec.passes[0].Outcome)
	assert.Equal(t, 8, rec.passes[0].Submitted)
}

func TestRunSubmitFailuresAreNotFatal(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "bm1", "karst_input.txt0"), "1\n")
	q := &MockQueue{submitErr: errors.New("qsub: would exceed queue limit")}
	var out bytes.Buffer
	cfg := testConfig(root)
	cfg.Nodes = 3
	rep, err := newTestCoordinator(cfg, q, &out).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeDispatched, rep.Outcome)
	assert.Len(t, q.submitted, 3, "every slot is attempted")
	assert.Empty(t, rep.Submitted)
}

func TestRunReportsAllFinished(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "bm1", "karst_input.txt0"), "")
	writeFile(t, filepath.Join(root, "bm1", "karst_output.txt"), "1 [1]\n")
	writeFile(t, filepath.Join(root, "bm2", "karst_output.txt"), "2 [2]\n")

	q := &MockQueue{}
	pub := &mockPublisher{}
	var out bytes.Buffer
	rep, err := newTestCoordinator(testConfig(root), q, &out, WithPublisher(pub)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeFinished, rep.Outcome)
	assert.Empty(t, q.submitted)
	logs := []string{
		filepath.Join(root, "bm1", "karst_output.txt"),
		filepath.Join(root, "bm2", "karst_output.txt"),
	}
	assert.Equal(t, logs, rep.OutputLogs)
	assert.Equal(t, logs, pub.logs)
	assert.Equal(t, "All benchmarks finished! See results at:\n* "+logs[0]+"\n* "+logs[1]+"\n", out.String())

	_, err = os.Stat(filepath.Join(root, "bm1", "karst_input.txt0"))
	assert.True(t, os.IsNotExist(err), "empty shard pruned")
}

func TestRunPublishFailureIsNotFatal(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "bm1", "karst_output.txt"), "1 [1]\n")
	var out bytes.Buffer
	rep, err := newTestCoordinator(testConfig(root), &MockQueue{}, &out,
		WithPublisher(&mockPublisher{err: errors.New("archive unreachable")})).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeFinished, rep.Outcome)
}

func TestRunHarvestsThenRequeues(t *testing.T) {
	root := t.TempDir()
	bm := filepath.Join(root, "bm1")
	writeFile(t, filepath.Join(bm, "karst_output.txt"), "")
	node := filepath.Join(bm, "Test", "n1")
	writeFile(t, filepath.Join(node, "node_input.txt"), "1\n2\n3\n")
	writeFile(t, filepath.Join(node, "node_output.txt"), "1 [0.5]\n2 [0.7\n")

	rec := &mockRecorder{}
	var out bytes.Buffer
	rep, err := newTestCoordinator(testConfig(root), &MockQueue{}, &out, WithRecorder(rec)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeDispatched, rep.Outcome)

	b, err := os.ReadFile(filepath.Join(bm, "karst_input.txt0"))
	require.NoError(t, err)
	assert.Equal(t, "2\n3\n", string(b))
	b, err = os.ReadFile(filepath.Join(bm, "karst_output.txt"))
	require.NoError(t, err)
	assert.Equal(t, "1 [0.5]\n", string(b))

	require.Len(t, rec.passes, 1)
	require.Len(t, rec.passes[0].Harvests, 1)
	h := rec.passes[0].Harvests[0]
	assert.Equal(t, HarvestRecord{Benchmark: bm, Nodes: 1, Finished: 1, Requeued: 2}, h)
}

func TestRunCorruptResultAborts(t *testing.T) {
	root := t.TempDir()
	bm := filepath.Join(root, "bm1")
	writeFile(t, filepath.Join(bm, "karst_output.txt"), "")
	writeFile(t, filepath.Join(bm, "Test", "n1", "node_input.txt"), "1\n")
	writeFile(t, filepath.Join(bm, "Test", "n1", "node_output.txt"), "x1 [1]\n")

	q := &MockQueue{}
	var out bytes.Buffer
	_, err := newTestCoordinator(testConfig(root), q, &out).Run(context.Background())
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "harvest:"))
	assert.Empty(t, q.submitted)
}
