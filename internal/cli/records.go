package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/compemperor/engram/internal/engine"
	"github.com/compemperor/engram/internal/model"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

const requestTimeout = 30 * time.Second

// --- add command ---

var (
	addTopic         string
	addQuality       int
	addKind          string
	addUnderstanding float64
	addSource        string
	addExploratory   bool
)

var addCmd = &cobra.Command{
	Use:   "add [content]",
	Short: "Submit a memory to the quality gate",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAdd,
}

func runAdd(cmd *cobra.Command, args []string) error {
	cand := model.Candidate{
		Topic:       addTopic,
		Content:     strings.Join(args, " "),
		Kind:        model.Kind(addKind),
		Quality:     addQuality,
		SourceURL:   addSource,
		Exploratory: addExploratory,
	}
	if cmd.Flags().Changed("understanding") {
		cand.Understanding = &addUnderstanding
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()
	res, err := newClient().Add(ctx, cand)
	out := cmd.OutOrStdout()
	if errors.Is(err, model.ErrRejected) {
		v := res.Verdict
		fmt.Fprintf(out, "Rejected (%s): quality %d, threshold %d", v.Reason, v.Quality, v.Threshold)
		if v.DriftChecked {
			fmt.Fprintf(out, ", drift %.2f, ceiling %.2f", v.Drift, v.Ceiling)
		}
		fmt.Fprintln(out)
		return err
	}
	if err != nil {
		return fmt.Errorf("add: %w", err)
	}

	fmt.Fprintf(out, "Admitted %s under %s (strength %.2f)\n", res.Record.ID, res.Record.Topic, res.Record.Strength)
	for _, e := range res.Edges {
		fmt.Fprintf(out, "  linked %s -> %s [%.2f]\n", e.Relation, e.Other(res.Record.ID), e.Confidence)
	}
	return nil
}

// --- get command ---

var getCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Show one memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		rec, err := newClient().Get(ctx, args[0])
		if err != nil {
			return err
		}
		printRecord(cmd.OutOrStdout(), rec)
		return nil
	},
}

func printRecord(w io.Writer, r *model.Record) {
	fmt.Fprintf(w, "%s  %s  [%s, %s]\n", r.ID, r.Topic, r.Kind, r.State)
	fmt.Fprintf(w, "  quality %d, strength %.2f, accessed %s times, last %s\n",
		r.Quality, r.Strength, humanize.Comma(int64(r.AccessCount)), humanize.Time(r.LastAccessedAt))
	if r.RecallAttempts > 0 {
		fmt.Fprintf(w, "  recall %d/%d\n", r.RecallSuccesses, r.RecallAttempts)
	}
	if r.Review != nil {
		fmt.Fprintf(w, "  next review %s\n", humanize.Time(r.Review.NextReviewAt))
	}
	fmt.Fprintf(w, "  %s\n", r.Content)
}

// --- search command ---

var (
	searchLimit   int
	searchTopic   string
	searchKind    string
	searchDormant bool
	searchIntent  bool
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search memories by similarity",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	query := strings.Join(args, " ")
	opts := engine.SearchOptions{
		Limit:          searchLimit,
		Topic:          searchTopic,
		Kind:           model.Kind(searchKind),
		IncludeDormant: searchDormant,
	}
	out := cmd.OutOrStdout()

	var results []engine.Result
	if searchIntent {
		res, err := newClient().SearchIntent(ctx, query, opts)
		if err != nil {
			return fmt.Errorf("search: %w", err)
		}
		fmt.Fprintf(out, "intent: %s (%.0f%%)\n\n", res.Classification.Intent, res.Classification.Confidence*100)
		results = res.Results
	} else {
		var err error
		if results, err = newClient().Search(ctx, query, opts); err != nil {
			return fmt.Errorf("search: %w", err)
		}
	}

	if len(results) == 0 {
		fmt.Fprintln(out, "No results found.")
		return nil
	}
	for i, r := range results {
		fmt.Fprintf(out, "%d. [%.3f] %s (%s)\n", i+1, r.Score, r.Record.Topic, r.Record.ID)
		fmt.Fprintf(out, "   %s\n\n", truncate(r.Record.Content, 200))
	}
	return nil
}

// --- recall command ---

var (
	recallLimit   int
	recallDormant bool
)

var recallCmd = &cobra.Command{
	Use:   "recall [topic]",
	Short: "Recall and reinforce the strongest memories under a topic",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		records, err := newClient().Recall(ctx, args[0], engine.RecallOptions{Limit: recallLimit, IncludeDormant: recallDormant})
		if err != nil {
			return fmt.Errorf("recall: %w", err)
		}
		for _, r := range records {
			printRecord(cmd.OutOrStdout(), r)
		}
		return nil
	},
}

// --- related command ---

var relatedDepth int

var relatedCmd = &cobra.Command{
	Use:   "related [id]",
	Short: "Walk the knowledge graph from a memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		related, err := newClient().Related(ctx, args[0], relatedDepth)
		if err != nil {
			return fmt.Errorf("related: %w", err)
		}
		out := cmd.OutOrStdout()
		if len(related) == 0 {
			fmt.Fprintln(out, "No related memories.")
			return nil
		}
		for _, r := range related {
			fmt.Fprintf(out, "%s%s [%s %.2f] %s\n", strings.Repeat("  ", r.Depth-1), r.Record.ID, r.Relation, r.Confidence, r.Record.Topic)
		}
		return nil
	},
}

// --- review command ---

var reviewCmd = &cobra.Command{
	Use:   "review [id] [success|failure]",
	Short: "Record a recall attempt, or list due reviews with no arguments",
	Args:  cobra.RangeArgs(0, 2),
	RunE:  runReview,
}

var reviewLimit int

func runReview(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()
	c := newClient()
	out := cmd.OutOrStdout()

	switch len(args) {
	case 0:
		due, err := c.DueReviews(ctx, reviewLimit)
		if err != nil {
			return fmt.Errorf("due reviews: %w", err)
		}
		if len(due) == 0 {
			fmt.Fprintln(out, "Nothing due.")
			return nil
		}
		for _, d := range due {
			fmt.Fprintf(out, "%s  %s  due %s (priority %.2f)\n", d.Record.ID, d.Record.Topic,
				humanize.Time(d.Record.Review.NextReviewAt), d.Priority)
		}
		return nil
	case 1:
		return fmt.Errorf("review %s: outcome required (success or failure)", args[0])
	}

	outcome, err := model.ParseOutcome(args[1])
	if err != nil {
		return err
	}
	rec, err := c.Review(ctx, args[0], outcome)
	if err != nil {
		return fmt.Errorf("review: %w", err)
	}
	fmt.Fprintf(out, "Recorded %s; next review %s\n", outcome, humanize.Time(rec.Review.NextReviewAt))
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func init() {
	addCmd.Flags().StringVarP(&addTopic, "topic", "t", "", "Topic path, e.g. go/concurrency")
	addCmd.Flags().IntVarP(&addQuality, "quality", "q", 0, "Self-assessed quality 1-10")
	addCmd.Flags().StringVarP(&addKind, "kind", "k", "", "semantic or episodic")
	addCmd.Flags().Float64Var(&addUnderstanding, "understanding", 0, "Understanding 1-5")
	addCmd.Flags().StringVar(&addSource, "source", "", "Source URL")
	addCmd.Flags().BoolVar(&addExploratory, "exploratory", false, "Skip the goal drift check")
	addCmd.MarkFlagRequired("topic")
	addCmd.MarkFlagRequired("quality")

	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 0, "Maximum number of results (default 10, or the intent's)")
	searchCmd.Flags().StringVarP(&searchTopic, "topic", "t", "", "Restrict to a topic subtree")
	searchCmd.Flags().StringVarP(&searchKind, "kind", "k", "", "Filter by kind")
	searchCmd.Flags().BoolVar(&searchDormant, "dormant", false, "Include dormant memories")
	searchCmd.Flags().BoolVar(&searchIntent, "intent", false, "Tune limit and filters to the query's intent")

	recallCmd.Flags().IntVarP(&recallLimit, "limit", "n", 10, "Maximum number of memories")
	recallCmd.Flags().BoolVar(&recallDormant, "dormant", false, "Include dormant memories")

	relatedCmd.Flags().IntVarP(&relatedDepth, "depth", "d", 1, "Traversal depth 1-3")

	reviewCmd.Flags().IntVarP(&reviewLimit, "limit", "n", 20, "Maximum due reviews to list")
}
