// Package pbs talks to a PBS/Torque batch queue through its qstat and qsub
// command line tools.
package pbs

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/3cpo-dev/brun/internal/queue"
)

type Options struct {
	User          string
	StatusCommand string
	SubmitCommand string
}

type Client struct {
	name   string
	opts   Options
	runner Runner
}

func New(name string, opts Options, runner Runner) *Client {
	if opts.StatusCommand == "" {
		opts.StatusCommand = "qstat"
	}
	if opts.SubmitCommand == "" {
		opts.SubmitCommand = "qsub"
	}
	return &Client{name: name, opts: opts, runner: runner}
}

func (c *Client) Name() string { return c.name }

func (c *Client) statusArgs() []string {
	return []string{"-u", c.opts.User}
}

func (c *Client) StatusHint() string {
	return c.opts.StatusCommand + " " + strings.Join(c.statusArgs(), " ")
}

func (c *Client) ListJobs(ctx context.Context) ([]queue.JobStatus, error) {
	out, err := c.runner.Run(ctx, c.opts.StatusCommand, c.statusArgs()...)
	if err != nil {
		return nil, err
	}
	return ParseJobs(out), nil
}

func (c *Client) SubmitJob(ctx context.Context, req queue.SubmitRequest) (queue.JobHandle, error) {
	out, err := c.runner.Run(ctx, c.opts.SubmitCommand, SubmitArgs(req)...)
	if err != nil {
		return queue.JobHandle{}, err
	}
	return queue.JobHandle{ID: lastLine(out)}, nil
}

// qstat prints the elapsed time as the last column of each job row.
var elapsedPattern = regexp.MustCompile(`([0-9]{2}):([0-9]{2}):([0-9]{2})$`)

// ParseJobs turns qstat output into one JobStatus per non-empty line.
// Header and separator lines carry no elapsed time. A line of only
// whitespace still counts as a row.
func ParseJobs(out []byte) []queue.JobStatus {
	var jobs []queue.JobStatus
	s := bufio.NewScanner(bytes.NewReader(out))
	for s.Scan() {
		row := s.Text()
		if row == "" {
			continue
		}
		js := queue.JobStatus{Row: row}
		if m := elapsedPattern.FindStringSubmatch(strings.TrimRight(row, " \t\r")); m != nil {
			h, _ := strconv.Atoi(m[1])
			mi, _ := strconv.Atoi(m[2])
			sec, _ := strconv.Atoi(m[3])
			js.Elapsed = time.Duration(h)*time.Hour + time.Duration(mi)*time.Minute + time.Duration(sec)*time.Second
			js.ElapsedKnown = true
		}
		jobs = append(jobs, js)
	}
	return jobs
}

// SubmitArgs builds the qsub arguments for one worker job. "-k o" keeps the
// job's stdout in the submitting directory.
func SubmitArgs(req queue.SubmitRequest) []string {
	nodes := req.Nodes
	if nodes <= 0 {
		nodes = 1
	}
	resources := fmt.Sprintf("nodes=%d:ppn=%d,walltime=%s", nodes, req.CoresPerNode, FormatWalltime(req.Walltime))
	return []string{"-k", "o", "-l", resources, req.Script}
}

// FormatWalltime renders d as HH:MM:SS, rounding down to the second.
func FormatWalltime(d time.Duration) string {
	secs := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, secs/60%60, secs%60)
}

func lastLine(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
