package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/garnizeh/redmine-rag/internal/ask"
	"github.com/garnizeh/redmine-rag/internal/evalgate"
	"github.com/garnizeh/redmine-rag/internal/jobs"
	"github.com/garnizeh/redmine-rag/internal/models"
	"github.com/garnizeh/redmine-rag/internal/syncer"
)

var (
	syncProjects []int64
	syncModules  []string

	askTopK     int
	askProjects []int64

	extractIssues []int64

	reindexFull bool

	jobsStatus string
	jobsLimit  int

	metricsProjects []int64
	metricsFrom     string
	metricsTo       string

	gateBaseline string
	gateCurrent  string
	gateAllowed  string
)

func init() {
	syncCmd.Flags().Int64SliceVar(&syncProjects, "project", nil, "Project ids to sync (default: configured projects)")
	syncCmd.Flags().StringSliceVar(&syncModules, "module", nil, "Modules to sync (default: all)")

	askCmd.Flags().IntVar(&askTopK, "top-k", 5, "Number of evidence chunks")
	askCmd.Flags().Int64SliceVar(&askProjects, "project", nil, "Restrict evidence to project ids")

	extractCmd.Flags().Int64SliceVar(&extractIssues, "issue", nil, "Issue ids (default: all issues)")

	reindexCmd.Flags().BoolVar(&reindexFull, "full", false, "Re-chunk every source and rebuild the vector store")

	jobsCmd.Flags().StringVar(&jobsStatus, "status", "", "Filter by status (queued, running, finished, failed)")
	jobsCmd.Flags().IntVar(&jobsLimit, "limit", 20, "Maximum number of jobs")
	jobsCmd.AddCommand(jobsShowCmd)

	metricsCmd.Flags().Int64SliceVar(&metricsProjects, "project", nil, "Project ids")
	metricsCmd.Flags().StringVar(&metricsFrom, "from", "", "Issues created on or after YYYY-MM-DD")
	metricsCmd.Flags().StringVar(&metricsTo, "to", "", "Issues created on or before YYYY-MM-DD")

	gateCmd.Flags().StringVar(&gateBaseline, "baseline", "", "JSON file with baseline metrics")
	gateCmd.Flags().StringVar(&gateCurrent, "current", "", "JSON file with current metrics")
	gateCmd.Flags().StringVar(&gateAllowed, "allowed-drop", "", "JSON file with allowed drop per metric")
	_ = gateCmd.MarkFlagRequired("baseline")
	_ = gateCmd.MarkFlagRequired("current")
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle now",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, done, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer done()

		j, err := a.Queue.Enqueue(ctx, syncer.Request{ProjectIDs: syncProjects, Modules: syncModules}, jobs.TriggerCLI)
		if errors.Is(err, jobs.ErrSyncInProgress) {
			return fmt.Errorf("%w: wait for the active job or inspect it with 'ragctl jobs'", err)
		}
		if err != nil {
			return err
		}
		if _, err := a.NewWorker().RunOnce(ctx); err != nil {
			return err
		}
		j, err = a.Queue.Get(ctx, j.ID)
		if err != nil {
			return err
		}
		p, err := jobs.DecodePayload(j)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]any{"job": j, "summary": p.Summary})
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "job %s %s\n", j.ID, j.Status)
		if s := p.Summary; s != nil {
			fmt.Fprintf(out, "issues %s, journals %s, wiki pages %s, chunks %s, vectors +%s/-%s in %s\n",
				humanize.Comma(int64(s.IssuesSynced)), humanize.Comma(int64(s.JournalsSynced)),
				humanize.Comma(int64(s.WikiPagesSynced)), humanize.Comma(int64(s.ChunksUpdated)),
				humanize.Comma(int64(s.VectorsUpserted)), humanize.Comma(int64(s.VectorsPruned)),
				s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
			for m, e := range s.Errors {
				fmt.Fprintf(out, "  %s: %s\n", m, e)
			}
		}
		if j.Status == models.JobFailed {
			return errors.New("sync cycle failed")
		}
		return nil
	},
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Answer a question from the indexed tracker content",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, done, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer done()

		req := ask.Request{Query: strings.Join(args, " "), TopK: askTopK, Filters: models.SearchFilters{ProjectIDs: askProjects}}
		if fields := req.Validate(); fields != nil {
			return fmt.Errorf("invalid question: %v", fields)
		}
		resp, err := a.Ask.Ask(ctx, req)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), resp)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, resp.AnswerMarkdown)
		if len(resp.Citations) > 0 {
			fmt.Fprintln(out)
			for _, c := range resp.Citations {
				fmt.Fprintf(out, "[%d] %s #%s %s\n", c.ID, c.SourceType, c.SourceID, c.URL)
			}
		}
		fmt.Fprintf(out, "\nconfidence %.2f\n", resp.Confidence)
		return nil
	},
}

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Derive issue metrics and properties",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, done, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer done()

		res, err := a.Extractor.Extract(ctx, extractIssues)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), res)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "processed %s issues, %d with anomalies, %d missing\n",
			humanize.Comma(int64(res.Processed)), res.WithAnomaly, len(res.Missing))
		if res.LLMSucceeded+res.LLMFailed+res.LLMSkipped > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "llm: %d ok, %d failed, %d skipped\n", res.LLMSucceeded, res.LLMFailed, res.LLMSkipped)
		}
		return nil
	},
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Refresh the vector store from the chunk table",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, done, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer done()

		st, err := a.Reindex(ctx, reindexFull)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), st)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "vectors %s (upserted %d, pruned %d, repaired %d)\n",
			humanize.Comma(int64(st.VectorKeys)), st.Embeddings.Upserted, st.Embeddings.Pruned, st.Embeddings.Repaired)
		return nil
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List sync jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, done, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer done()

		list, err := a.Queue.List(ctx, models.JobStatus(jobsStatus), jobsLimit)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), list)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSTATUS\tCREATED\tDURATION\tERROR")
		for _, j := range list {
			dur := "-"
			if j.StartedAt != nil && j.FinishedAt != nil {
				dur = j.FinishedAt.Sub(*j.StartedAt).String()
			}
			msg := ""
			if j.ErrorMessage != nil {
				msg = *j.ErrorMessage
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", j.ID, j.Status, humanize.Time(j.CreatedAt), dur, msg)
		}
		return tw.Flush()
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one sync job with its summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, done, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer done()

		j, err := a.Queue.Get(ctx, args[0])
		if err != nil {
			return err
		}
		if j == nil {
			return fmt.Errorf("job %s not found", args[0])
		}
		p, err := jobs.DecodePayload(j)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{"job": j, "payload": p})
	},
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Summarize issue metrics per project",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		f := models.MetricsFilter{ProjectIDs: metricsProjects}
		for _, d := range []struct {
			in  string
			out **time.Time
		}{{metricsFrom, &f.FromDate}, {metricsTo, &f.ToDate}} {
			if d.in == "" {
				continue
			}
			t, err := time.Parse(time.DateOnly, d.in)
			if err != nil {
				return fmt.Errorf("invalid date %q: %w", d.in, err)
			}
			*d.out = &t
		}

		a, done, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer done()

		s, err := a.Metrics.Summarize(ctx, f)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), s)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PROJECT\tISSUES\tMEDIAN FIRST RESPONSE\tMEDIAN RESOLUTION\tREOPENS\tHANDOFFS")
		for _, p := range s.Projects {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%d\n", p.ProjectID, humanize.Comma(p.IssueCount),
				seconds(p.MedianFirstResponseS), seconds(p.MedianResolutionS), p.ReopenTotal, p.HandoffTotal)
		}
		return tw.Flush()
	},
}

func seconds(v *float64) string {
	if v == nil {
		return "-"
	}
	return (time.Duration(*v) * time.Second).String()
}

var gateCmd = &cobra.Command{
	Use:   "gate",
	Short: "Compare evaluation metrics against a baseline",
	RunE: func(cmd *cobra.Command, args []string) error {
		var baseline, current, allowed map[string]float64
		if err := readMetrics(gateBaseline, &baseline); err != nil {
			return err
		}
		if err := readMetrics(gateCurrent, &current); err != nil {
			return err
		}
		if gateAllowed != "" {
			if err := readMetrics(gateAllowed, &allowed); err != nil {
				return err
			}
		}
		rep := evalgate.Compare(baseline, current, allowed)
		if jsonOutput {
			if err := printJSON(cmd.OutOrStdout(), rep); err != nil {
				return err
			}
		} else {
			fmt.Fprint(cmd.OutOrStdout(), rep.String())
		}
		if !rep.Passed {
			return fmt.Errorf("regression gate failed for %d metric(s)", len(rep.Failed()))
		}
		return nil
	},
}

func readMetrics(path string, out *map[string]float64) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
