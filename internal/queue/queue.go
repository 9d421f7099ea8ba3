package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// JobStatus is one row of the batch queue's job listing.
type JobStatus struct {
	Row string
	// Elapsed is the wall-clock time the job has run so far; only
	// meaningful when ElapsedKnown is set.
	Elapsed      time.Duration
	ElapsedKnown bool
}

// JobHandle identifies a submitted job.
type JobHandle struct {
	ID string
}

// SubmitRequest describes one worker job.
type SubmitRequest struct {
	Script       string
	Nodes        int
	CoresPerNode int
	Walltime     time.Duration
}

// Client is the coordinator's view of the batch queue.
type Client interface {
	Name() string
	// ListJobs returns one entry per non-blank row of the current user's
	// job listing. An empty result means nothing is queued or running.
	ListJobs(ctx context.Context) ([]JobStatus, error)
	SubmitJob(ctx context.Context, req SubmitRequest) (JobHandle, error)
	// StatusHint is the command an operator can run to inspect the queue.
	StatusHint() string
}

// Status summarises the queue for the dispatch gate.
type Status struct {
	InProgress bool
	// Known is false when the listing had rows but none carried a readable
	// elapsed time; JobCount and HoursRemaining are then meaningless.
	Known          bool
	JobCount       int
	HoursRemaining int
}

// JobCountText renders JobCount, or "??" when unknown.
func (s Status) JobCountText() string {
	if !s.Known {
		return "??"
	}
	return strconv.Itoa(s.JobCount)
}

// HoursRemainingText renders HoursRemaining, or "??" when unknown.
func (s Status) HoursRemainingText() string {
	if !s.Known {
		return "??"
	}
	return strconv.Itoa(s.HoursRemaining)
}

// Summarize derives a Status from a job listing. Hours remaining is the
// walltime budget minus the longest elapsed time, in whole hours.
func Summarize(jobs []JobStatus, walltime time.Duration) Status {
	if len(jobs) == 0 {
		return Status{}
	}
	st := Status{InProgress: true}
	var longest time.Duration
	for _, j := range jobs {
		if !j.ElapsedKnown {
			continue
		}
		st.JobCount++
		if j.Elapsed > longest {
			longest = j.Elapsed
		}
	}
	if st.JobCount == 0 {
		return st
	}
	st.Known = true
	st.HoursRemaining = int(walltime/time.Hour) - int(longest/time.Hour)
	return st
}

// JobsInProgress asks the queue whether any of our jobs are still queued or
// running. A failing client is not retried.
func JobsInProgress(ctx context.Context, c Client, walltime time.Duration) (Status, error) {
	jobs, err := c.ListJobs(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("list %s jobs: %w", c.Name(), err)
	}
	return Summarize(jobs, walltime), nil
}
