package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/iammorganparry/recall/internal/archive"
	"github.com/iammorganparry/recall/internal/models"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func archiveCmd() *cobra.Command {
	var sessionID string
	var contextPercent int
	cmd := &cobra.Command{
		Use:   "archive <transcript.jsonl>",
		Short: "Archive a session transcript into long-term memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read transcript: %w", err)
			}
			return withApp(func(a *app) error {
				report, err := a.svc.Archive(cmd.Context(), &models.ArchiveRequest{
					SessionID:      sessionID,
					ProjectID:      models.StringPtr(projectFlag),
					Transcript:     string(data),
					ContextPercent: contextPercent,
				}, func(p archive.Progress) {
					a.logger.Debug("archive progress", "stage", p.Stage, "done", p.Done, "total", p.Total)
				})
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(report)
				}
				fmt.Printf("Archived session %s: %d archived, %d skipped, %d duplicates",
					report.SessionID, report.Archived, report.Skipped, report.Duplicates)
				if report.Malformed > 0 {
					fmt.Printf(", %d malformed lines", report.Malformed)
				}
				if report.EmbeddingFailures > 0 {
					fmt.Printf(", %d embedding failures", report.EmbeddingFailures)
				}
				fmt.Println()
				fmt.Println(report.Summary.Summary)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (generated when empty)")
	cmd.Flags().IntVar(&contextPercent, "context-percent", 0, "context window usage at archive time")
	return cmd
}

func searchCmd() *cobra.Command {
	var limit int
	var mode string
	var includeGlobal bool
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search stored fragments",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				resp, err := a.svc.Search(cmd.Context(), &models.SearchRequest{
					Query:         strings.Join(args, " "),
					ProjectID:     projectFlag,
					IncludeGlobal: includeGlobal,
					Limit:         limit,
					Mode:          models.SearchMode(mode),
				})
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(resp)
				}
				if len(resp.Results) == 0 {
					fmt.Println("No results.")
					return nil
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSCORE\tSOURCE\tPROJECT\tCONTENT")
				for _, r := range resp.Results {
					fmt.Fprintf(tw, "%d\t%.4f\t%s\t%s\t%s\n",
						r.Fragment.ID, r.Score, r.Provenance, models.Deref(r.Fragment.ProjectID), preview(r.Fragment.Content, 80))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum results")
	cmd.Flags().StringVar(&mode, "mode", string(models.SearchModeHybrid), "hybrid, vector, or keyword")
	cmd.Flags().BoolVar(&includeGlobal, "global", true, "include global fragments when --project is set")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show store statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				st, err := a.svc.Stats()
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(st)
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintf(tw, "Path:\t%s\n", a.store.Path())
				fmt.Fprintf(tw, "Fragments:\t%d\n", st.FragmentCount)
				fmt.Fprintf(tw, "Projects:\t%d\n", st.ProjectCount)
				fmt.Fprintf(tw, "Sessions:\t%d\n", st.SessionCount)
				fmt.Fprintf(tw, "Turns:\t%d\n", st.TurnCount)
				fmt.Fprintf(tw, "Summaries:\t%d\n", st.SummaryCount)
				fmt.Fprintf(tw, "Size:\t%d bytes\n", st.SizeBytes)
				fmt.Fprintf(tw, "Keyword index:\t%s\n", st.KeywordIndex)
				if st.Oldest != nil && st.Newest != nil {
					fmt.Fprintf(tw, "Range:\t%s .. %s\n", st.Oldest.Format("2006-01-02"), st.Newest.Format("2006-01-02"))
				}
				return tw.Flush()
			})
		},
	}
}

func restoreCmd() *cobra.Command {
	var budget int
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Print the context bundle for a fresh session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				bundle, err := a.svc.Restore(cmd.Context(), &models.RestoreRequest{
					ProjectID:   models.StringPtr(projectFlag),
					TokenBudget: budget,
				})
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(bundle)
				}
				fmt.Println(bundle.Summary)
				if bundle.Context != "" {
					fmt.Println()
					fmt.Println(bundle.Context)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&budget, "budget", 0, "token budget (defaults to RESTORE_TOKEN_BUDGET)")
	return cmd
}

func deleteCmd() *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete one fragment (preview unless --confirm)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}
			return withApp(func(a *app) error {
				resp, err := a.svc.Delete(id, confirm)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(resp)
				}
				if !resp.Deleted {
					fmt.Printf("Would delete fragment %d: %s\n", id, preview(resp.Preview.Content, 120))
					fmt.Println("Re-run with --confirm to delete.")
					return nil
				}
				fmt.Printf("Deleted fragment %d\n", id)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&confirm, "confirm", false, "actually delete")
	return cmd
}

func deleteProjectCmd() *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "delete-project <project>",
		Short: "Delete every fragment of a project (preview unless --confirm)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				resp, err := a.svc.DeleteProject(args[0], confirm)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(resp)
				}
				if !resp.Deleted {
					fmt.Printf("Would delete %d fragments from project %s. Global fragments are kept.\n", resp.Count, resp.ProjectID)
					fmt.Println("Re-run with --confirm to delete.")
					return nil
				}
				fmt.Printf("Deleted %d fragments from project %s\n", resp.Count, resp.ProjectID)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&confirm, "confirm", false, "actually delete")
	return cmd
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n-3]) + "..."
}
