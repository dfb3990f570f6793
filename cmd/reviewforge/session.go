package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Strob0t/ReviewForge/internal/adapter/reportfile"
	"github.com/Strob0t/ReviewForge/internal/domain/session"
	"github.com/Strob0t/ReviewForge/internal/domain/verdict"
	"github.com/Strob0t/ReviewForge/internal/service"
)

// withApp loads configuration, wires the pipeline without live events and
// runs fn.
func withApp(flags *rootFlags, cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, flush, err := flags.loadConfig(cmd)
	if err != nil {
		return err
	}
	defer flush()
	ctx := cmd.Context()
	a, err := buildApp(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printStatus writes the session status as JSON.
func printStatus(cmd *cobra.Command, a *app, s *session.Session) error {
	return printJSON(cmd.OutOrStdout(), a.pipeline.StatusOf(s))
}

func newSessionCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "session",
		Aliases: []string{"s"},
		Short:   "Create, advance and review sessions",
	}
	cmd.AddCommand(
		newCreateCmd(flags),
		newListCmd(flags),
		newShowCmd(flags),
		newStepCmd(flags, "advance", "Run the next stage", false),
		newStepCmd(flags, "run", "Run stages until human review, completion or a failed stage", true),
		newReviewCmd(flags),
		newSimpleCmd(flags, "clear-failure", "Clear a session-level failure", func(ctx context.Context, a *app, id string) (*session.Session, error) {
			return a.pipeline.ClearFailure(ctx, id)
		}),
		newArchiveCmd(flags),
		newStageCmd(flags),
		newReportCmd(flags),
	)
	return cmd
}

func newCreateCmd(flags *rootFlags) *cobra.Command {
	var req service.CreateRequest
	cmd := &cobra.Command{
		Use:   "create <source-dir>",
		Short: "Create a session over a folder of documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.SourceDir = args[0]
			return withApp(flags, cmd, func(ctx context.Context, a *app) error {
				s, err := a.pipeline.Create(ctx, req)
				if err != nil {
					return err
				}
				return printStatus(cmd, a, s)
			})
		},
	}
	cmd.Flags().StringVar(&req.Name, "name", "", "display name (default: folder name)")
	cmd.Flags().StringVar(&req.ChecklistID, "checklist", "", "checklist ID (default from config)")
	cmd.Flags().StringSliceVar(&req.Pinned, "pin", nil, "relative paths always included")
	cmd.Flags().StringSliceVar(&req.Ignored, "ignore", nil, "relative paths never included")
	return cmd
}

func newListCmd(flags *rootFlags) *cobra.Command {
	var archived, asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(flags, cmd, func(ctx context.Context, a *app) error {
				list, err := a.pipeline.List(ctx, archived)
				if err != nil {
					return err
				}
				statuses := make([]service.Status, 0, len(list))
				for i := range list {
					statuses = append(statuses, a.pipeline.StatusOf(&list[i]))
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), statuses)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tSTAGE\tFLAGS\tARCHIVED")
				for _, st := range statuses {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\n", st.SessionID, st.Name, st.Stage, strings.Join(st.FailureFlags, ","), st.Archived)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&archived, "archived", false, "include archived sessions")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newShowCmd(flags *rootFlags) *cobra.Command {
	return newSimpleCmd(flags, "show", "Show a session's status", func(ctx context.Context, a *app, id string) (*session.Session, error) {
		return a.pipeline.Get(ctx, id)
	})
}

// newSimpleCmd builds a command that takes a session ID and prints the
// resulting status.
func newSimpleCmd(flags *rootFlags, use, short string, op func(context.Context, *app, string) (*session.Session, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <session-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(flags, cmd, func(ctx context.Context, a *app) error {
				s, err := op(ctx, a, args[0])
				if err != nil {
					return err
				}
				return printStatus(cmd, a, s)
			})
		},
	}
}

// newStepCmd runs one stage, or all stages up to review. The first interrupt
// asks a running extraction to stop and save what it has; a second one
// cancels outright.
func newStepCmd(flags *rootFlags, use, short string, all bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <session-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withApp(flags, cmd, func(ctx context.Context, a *app) error {
				ctx, cancel := context.WithCancel(ctx)
				defer cancel()
				stop := interruptCancels(ctx, a, id, cancel)
				defer stop()

				step := a.pipeline.Advance
				if all {
					step = a.pipeline.Run
				}
				s, err := step(ctx, id)
				if err != nil {
					if cur, gerr := a.pipeline.Get(context.WithoutCancel(ctx), id); gerr == nil {
						_ = printStatus(cmd, a, cur)
					}
					return err
				}
				return printStatus(cmd, a, s)
			})
		},
	}
}

func interruptCancels(ctx context.Context, a *app, id string, cancel context.CancelFunc) func() {
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		interrupted := false
		for {
			select {
			case <-done:
				return
			case <-sig:
				if interrupted {
					cancel()
					return
				}
				interrupted = true
				if err := a.pipeline.Cancel(ctx, id); err != nil {
					cancel()
					return
				}
				slog.Warn("cancelling extraction; interrupt again to abort", "session_id", id)
			}
		}
	}()
	return func() {
		signal.Stop(sig)
		close(done)
	}
}

func newReviewCmd(flags *rootFlags) *cobra.Command {
	var (
		approve     bool
		revise      string
		documents   []string
		reviewer    string
		notes       string
		corrections []string
	)
	cmd := &cobra.Command{
		Use:   "review <session-id>",
		Short: "Approve the report or send the session back for revision",
		Long: "Approve with --approve, or revise with --revise evidence_extraction|cross_validation.\n" +
			"Corrections are given as REQ-ID=status:reason, for example --correct 'REQ-002=covered:map annex'.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dec := session.ReviewDecision{Documents: documents, Reviewer: reviewer, Notes: notes}
			switch {
			case approve && revise != "":
				return errors.New("--approve and --revise are exclusive")
			case approve:
				dec.Action = session.ActionApprove
			case revise != "":
				dec.Action = session.ActionRevise
				dec.Target = session.Stage(revise)
			default:
				return errors.New("one of --approve or --revise is required")
			}
			for _, c := range corrections {
				corr, err := parseCorrection(c)
				if err != nil {
					return err
				}
				dec.Corrections = append(dec.Corrections, corr)
			}
			return withApp(flags, cmd, func(ctx context.Context, a *app) error {
				s, err := a.pipeline.Review(ctx, args[0], dec)
				if err != nil {
					return err
				}
				return printStatus(cmd, a, s)
			})
		},
	}
	cmd.Flags().BoolVar(&approve, "approve", false, "approve and produce the final report")
	cmd.Flags().StringVar(&revise, "revise", "", "stage to re-run: evidence_extraction or cross_validation")
	cmd.Flags().StringSliceVar(&documents, "documents", nil, "document IDs to re-extract")
	cmd.Flags().StringVar(&reviewer, "reviewer", os.Getenv("USER"), "reviewer name")
	cmd.Flags().StringVar(&notes, "notes", "", "free-form notes")
	cmd.Flags().StringArrayVar(&corrections, "correct", nil, "verdict correction REQ-ID=status:reason")
	return cmd
}

// parseCorrection parses REQ-ID=status:reason.
func parseCorrection(v string) (verdict.Correction, error) {
	req, rest, ok := strings.Cut(v, "=")
	if !ok {
		return verdict.Correction{}, fmt.Errorf("correction %q: want REQ-ID=status:reason", v)
	}
	status, reason, _ := strings.Cut(rest, ":")
	c := verdict.Correction{
		RequirementID: strings.TrimSpace(req),
		Status:        verdict.Status(strings.TrimSpace(status)),
		Reason:        strings.TrimSpace(reason),
	}
	if err := c.Validate(); err != nil {
		return verdict.Correction{}, err
	}
	return c, nil
}

func newArchiveCmd(flags *rootFlags) *cobra.Command {
	var undo bool
	cmd := &cobra.Command{
		Use:   "archive <session-id>",
		Short: "Archive a session (sessions are never deleted)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(flags, cmd, func(ctx context.Context, a *app) error {
				s, err := a.pipeline.Archive(ctx, args[0], !undo)
				if err != nil {
					return err
				}
				return printStatus(cmd, a, s)
			})
		},
	}
	cmd.Flags().BoolVar(&undo, "undo", false, "unarchive")
	return cmd
}

func newStageCmd(flags *rootFlags) *cobra.Command {
	var history bool
	cmd := &cobra.Command{
		Use:   "stage <session-id> <stage>",
		Short: "Print the latest output recorded for a stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, err := session.ParseStage(args[1])
			if err != nil {
				return err
			}
			return withApp(flags, cmd, func(ctx context.Context, a *app) error {
				if history {
					outs, err := a.pipeline.StageHistory(ctx, args[0], stage)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), outs)
				}
				out, err := a.pipeline.StageOutput(ctx, args[0], stage)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	cmd.Flags().BoolVar(&history, "history", false, "print every output for the stage")
	return cmd
}

func newReportCmd(flags *rootFlags) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "report <session-id>",
		Short: "Print the final report, or the latest draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "json" && format != "markdown" {
				return errors.New("--format must be json or markdown")
			}
			return withApp(flags, cmd, func(ctx context.Context, a *app) error {
				rep, _, err := a.pipeline.Report(ctx, args[0])
				if err != nil {
					return err
				}
				if format == "json" {
					return printJSON(cmd.OutOrStdout(), rep)
				}
				md, err := reportfile.Markdown(rep)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(md)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "markdown", "json or markdown")
	return cmd
}
