package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	core "github.com/3cpo-dev/brun/internal/core"
)

func printHistory(ctx context.Context, out io.Writer, cfg core.Config, n int) error {
	if cfg.HistoryDB == "" {
		return errors.New("no history_db configured")
	}
	store, err := core.NewStore(cfg.HistoryDB)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer store.Close()
	passes, err := store.RecentPasses(ctx, n)
	if err != nil {
		return err
	}
	writeHistory(out, passes)
	return nil
}

func writeHistory(out io.Writer, passes []core.PassRecord) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tOUTCOME\tJOBS\tHOURS LEFT\tSUBMITTED\tFINISHED\tREQUEUED")
	for _, p := range passes {
		jobs, hours := "-", "-"
		if p.StatusKnown {
			jobs, hours = fmt.Sprint(p.JobCount), fmt.Sprint(p.HoursRemaining)
		}
		var finished, requeued int
		for _, h := range p.Harvests {
			finished += h.Finished
			requeued += h.Requeued
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
			p.ID, p.StartedAt.Local().Format(time.DateTime), p.Outcome, jobs, hours, p.Submitted, finished, requeued)
	}
	tw.Flush()
}
