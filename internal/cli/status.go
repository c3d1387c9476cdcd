package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/compemperor/engram/internal/model"
	"github.com/compemperor/engram/internal/scheduler"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// --- status command ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store statistics and consolidation state",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()
	c := newClient()
	out := cmd.OutOrStdout()

	st, err := c.Stats(ctx)
	if err != nil {
		return fmt.Errorf("stats (is the server running at %s?): %w", c.URL(), err)
	}
	fmt.Fprintln(out, "## Store")
	fmt.Fprintf(out, "  records: %s\n", humanize.Comma(int64(st.Records)))
	states := make([]model.State, 0, len(st.ByState))
	for s := range st.ByState {
		states = append(states, s)
	}
	slices.Sort(states)
	for _, s := range states {
		fmt.Fprintf(out, "    %-9s %s\n", s, humanize.Comma(int64(st.ByState[s])))
	}
	fmt.Fprintf(out, "  edges: %s\n", humanize.Comma(int64(st.Edges)))
	fmt.Fprintf(out, "  indexed: %s (%s)\n", humanize.Comma(int64(st.Indexed)), st.Embedder)
	fmt.Fprintf(out, "  due reviews: %d\n", st.DueReviews)
	fmt.Fprintln(out)

	sched, err := c.ConsolidationStatus(ctx)
	if errors.Is(err, model.ErrCollaboratorUnavailable) {
		fmt.Fprintln(out, "Consolidation scheduler not running.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("consolidation status: %w", err)
	}
	printSchedule(out, sched)
	return nil
}

func printSchedule(w io.Writer, st *scheduler.Status) {
	fmt.Fprintln(w, "## Consolidation")
	state := string(st.State)
	if st.Phase != "" {
		state += " (" + string(st.Phase) + ")"
	}
	fmt.Fprintf(w, "  state: %s\n", state)
	fmt.Fprintf(w, "  schedule: %s\n", st.Schedule)
	fmt.Fprintf(w, "  cycles: %d\n", st.Cycles)
	if st.LastRun != nil {
		fmt.Fprintf(w, "  last run: %s\n", humanize.Time(*st.LastRun))
	}
	if st.NextRun != nil {
		fmt.Fprintf(w, "  next run: %s\n", humanize.Time(*st.NextRun))
	}
	if st.Last != nil && st.Last.Err != "" {
		fmt.Fprintf(w, "  last error: %s\n", st.Last.Err)
	}
}

// --- mirror command ---

var trendWindow int

var mirrorCmd = &cobra.Command{
	Use:   "mirror",
	Short: "Show what the quality gate has seen: drift, quality trend and recall",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		c := newClient()
		out := cmd.OutOrStdout()

		drift, err := c.DriftMetrics(ctx)
		if err != nil {
			return fmt.Errorf("drift metrics: %w", err)
		}
		trend, err := c.QualityTrends(ctx, trendWindow)
		if err != nil {
			return fmt.Errorf("quality trends: %w", err)
		}
		recall, err := c.RecallStats(ctx, "")
		if err != nil {
			return fmt.Errorf("recall stats: %w", err)
		}

		fmt.Fprintln(out, "## Gate")
		fmt.Fprintf(out, "  verdicts: %s (%.0f%% admitted)\n", humanize.Comma(int64(drift.Total)), drift.AdmissionRate*100)
		fmt.Fprintf(out, "  avg quality: %.2f\n", drift.AverageQuality)
		fmt.Fprintf(out, "  avg drift: %.2f\n", drift.AverageDrift)
		fmt.Fprintf(out, "  goal aligned: %t\n", drift.GoalAligned)
		if drift.LastUpdated != nil {
			fmt.Fprintf(out, "  last verdict: %s\n", humanize.Time(*drift.LastUpdated))
		}
		fmt.Fprintf(out, "  trend: %s %v\n", trend.Trend, trend.RecentScores)
		fmt.Fprintln(out)
		fmt.Fprintln(out, "## Recall")
		fmt.Fprintf(out, "  attempts: %d, successes: %d (%.0f%%)\n", recall.Attempts, recall.Successes, recall.SuccessRate*100)
		return nil
	},
}

// --- consolidate command ---

var consolidateTimeout time.Duration

var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Run a consolidation cycle now and wait for it",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), consolidateTimeout)
		defer cancel()

		rep, err := newClient().Consolidate(ctx)
		if err != nil {
			return fmt.Errorf("consolidate: %w", err)
		}
		printCycle(cmd.OutOrStdout(), rep)
		return nil
	},
}

func printCycle(w io.Writer, rep *scheduler.CycleReport) {
	fmt.Fprintf(w, "Cycle (%s) finished in %s\n", rep.Trigger, rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond))
	for _, p := range rep.Phases {
		line := fmt.Sprintf("  %-8s examined %s, changed %s", p.Phase,
			humanize.Comma(int64(p.Examined)), humanize.Comma(int64(p.Changed)))
		if p.Failed > 0 {
			line += fmt.Sprintf(", failed %d", p.Failed)
		}
		if p.Err != "" {
			line += ": " + p.Err
		}
		fmt.Fprintln(w, line)
	}
	if rep.Err != "" {
		fmt.Fprintf(w, "  interrupted: %s\n", rep.Err)
	}
	if rep.Snapshot != "" {
		fmt.Fprintf(w, "  snapshot failed: %s\n", rep.Snapshot)
	}
}

// --- rebuild-index command ---

var rebuildIndexCmd = &cobra.Command{
	Use:   "rebuild-index",
	Short: "Re-embed stale memories and reload the vector index",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
		defer cancel()
		n, err := newClient().RebuildIndex(ctx)
		if err != nil {
			return fmt.Errorf("rebuild index: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Indexed %s vectors\n", humanize.Comma(int64(n)))
		return nil
	},
}

func init() {
	mirrorCmd.Flags().IntVarP(&trendWindow, "window", "n", 0, "Verdicts in the quality trend (default from config)")
	consolidateCmd.Flags().DurationVar(&consolidateTimeout, "timeout", 30*time.Minute, "Give up waiting after this long")
}
