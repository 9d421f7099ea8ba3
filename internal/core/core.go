package core

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/brun/internal/harvest"
	"github.com/3cpo-dev/brun/internal/queue"
	"github.com/3cpo-dev/brun/internal/worklist"
)

// Outcome is how a reconciliation pass ended.
type Outcome string

const (
	// OutcomeBusy means jobs were still queued and nothing was touched.
	OutcomeBusy Outcome = "busy"
	// OutcomeFinished means no benchmark has pending work.
	OutcomeFinished Outcome = "finished"
	// OutcomeDispatched means new worker jobs were submitted.
	OutcomeDispatched Outcome = "dispatched"
)

// Recorder keeps a history of passes.
type Recorder interface {
	RecordPass(ctx context.Context, p PassRecord) (int64, error)
}

// Publisher ships finished global output logs somewhere.
type Publisher interface {
	Publish(ctx context.Context, logs []string) error
}

// Report describes one reconciliation pass.
type Report struct {
	StartedAt  time.Time
	Outcome    Outcome
	Status     queue.Status
	Harvest    []harvest.BenchmarkResult
	OutputLogs []string
	Submitted  []queue.JobHandle
}

// Coordinator runs reconciliation passes. It is not safe to run two passes
// at once, in one process or across hosts: the queue gate is the only guard.
type Coordinator struct {
	cfg       Config
	queue     queue.Client
	harvester *harvest.Harvester
	recorder  Recorder
	publisher Publisher
	out       io.Writer
	logger    zerolog.Logger
	now       func() time.Time
}

type Option func(*Coordinator)

// WithRecorder stores every pass that does not fail.
func WithRecorder(r Recorder) Option { return func(c *Coordinator) { c.recorder = r } }

// WithPublisher publishes the output logs once all work is finished.
func WithPublisher(p Publisher) Option { return func(c *Coordinator) { c.publisher = p } }

// WithOutput sets where user-facing status lines go (default stdout).
func WithOutput(w io.Writer) Option { return func(c *Coordinator) { c.out = w } }

func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
		c.harvester.Logger = l
	}
}

// WithPicker fixes the random source used to choose requeue shards.
func WithPicker(p harvest.Picker) Option { return func(c *Coordinator) { c.harvester.Rand = p } }

func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

func NewCoordinator(cfg Config, q queue.Client, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:       cfg,
		queue:     q,
		harvester: harvest.New(cfg.Layout, rand.New(rand.NewSource(time.Now().UnixNano()))),
		out:       os.Stdout,
		logger:    log.Logger,
		now:       time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run performs one reconciliation pass: refuse while jobs are in flight,
// otherwise harvest node results, then either report completion or submit
// a new batch of worker jobs.
func (c *Coordinator) Run(ctx context.Context) (*Report, error) {
	rep := &Report{StartedAt: c.now()}
	st, err := queue.JobsInProgress(ctx, c.queue, c.cfg.Queue.Walltime)
	if err != nil {
		return nil, err
	}
	rep.Status = st
	if st.InProgress {
		fmt.Fprintf(c.out, "Cannot start `brun`, %s jobs still running (%s hours left). Use '%s' to check job status.\n",
			st.JobCountText(), st.HoursRemainingText(), c.queue.StatusHint())
		rep.Outcome = OutcomeBusy
		c.record(ctx, rep)
		return rep, nil
	}

	rep.Harvest, err = c.harvester.ReconcileAll(ctx, c.cfg.Root)
	if err != nil {
		return rep, fmt.Errorf("harvest: %w", err)
	}

	done, err := worklist.AllComplete(c.cfg.Root, c.cfg.Layout)
	if err != nil {
		return rep, fmt.Errorf("completion check: %w", err)
	}
	if done {
		if err := c.finish(ctx, rep); err != nil {
			return rep, err
		}
	} else {
		c.dispatch(ctx, rep)
	}
	c.record(ctx, rep)
	return rep, nil
}

func (c *Coordinator) finish(ctx context.Context, rep *Report) error {
	logs, err := c.cfg.Layout.OutputLogs(c.cfg.Root)
	if err != nil {
		return fmt.Errorf("list output logs: %w", err)
	}
	rep.Outcome = OutcomeFinished
	rep.OutputLogs = logs
	fmt.Fprintln(c.out, "All benchmarks finished! See results at:")
	for _, l := range logs {
		fmt.Fprintf(c.out, "* %s\n", l)
	}
	if c.publisher != nil {
		if err := c.publisher.Publish(ctx, logs); err != nil {
			c.logger.Warn().Err(err).Msg("Publishing output logs failed, will retry next pass")
		}
	}
	return nil
}

// dispatch submits the configured number of worker jobs. A failed
// submission is logged and the rest still go out.
func (c *Coordinator) dispatch(ctx context.Context, rep *Report) {
	rep.Outcome = OutcomeDispatched
	fmt.Fprintf(c.out, "Starting %d nodes\n", c.cfg.Nodes)
	req := queue.SubmitRequest{
		Script:       c.cfg.Queue.WorkerScript,
		Nodes:        1,
		CoresPerNode: c.cfg.Queue.CoresPerNode,
		Walltime:     c.cfg.Queue.Walltime,
	}
	for i := 0; i < c.cfg.Nodes; i++ {
		h, err := c.queue.SubmitJob(ctx, req)
		if err != nil {
			c.logger.Warn().Err(err).Int("slot", i).Msg("Job submission failed")
			continue
		}
		c.logger.Info().Str("job", h.ID).Msg("Submitted worker job")
		rep.Submitted = append(rep.Submitted, h)
	}
}

func (c *Coordinator) record(ctx context.Context, rep *Report) {
	if c.recorder == nil {
		return
	}
	if _, err := c.recorder.RecordPass(ctx, rep.PassRecord()); err != nil {
		c.logger.Warn().Err(err).Msg("Recording pass history failed")
	}
}

// PassRecord flattens the report for the history store.
func (r *Report) PassRecord() PassRecord {
	p := PassRecord{
		StartedAt:      r.StartedAt,
		Outcome:        r.Outcome,
		StatusKnown:    r.Status.Known,
		JobCount:       r.Status.JobCount,
		HoursRemaining: r.Status.HoursRemaining,
		Submitted:      len(r.Submitted),
	}
	for _, b := range r.Harvest {
		finished, requeued := b.Totals()
		p.Harvests = append(p.Harvests, HarvestRecord{
			Benchmark: b.Dir,
			Skipped:   b.Skipped,
			Nodes:     len(b.Nodes),
			Finished:  finished,
			Requeued:  requeued,
		})
	}
	return p
}
