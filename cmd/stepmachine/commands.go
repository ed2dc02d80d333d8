package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rendis/stepmachine/internal/diagram"
	"github.com/rendis/stepmachine/internal/orchestrator"
	"github.com/rendis/stepmachine/internal/scheduler"
	"github.com/rendis/stepmachine/internal/store"
	"github.com/rendis/stepmachine/pkg/codec"
	"github.com/rendis/stepmachine/pkg/machine"
	"github.com/rendis/stepmachine/pkg/schema"
)

func validateCmd(c *cli) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "validate FILE",
		Short: "Check a chain definition against the built-in procedures",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, f, err := readDocument(args[0], format)
			if err != nil {
				return err
			}
			a, err := newApp(c.settings, c.logger, store.NewMemoryStore())
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.service.Validate(data, f)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			if !result.Valid() {
				return fmt.Errorf("%s: %d validation error(s)", args[0], len(result.Errors))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "Document format: json, yaml (default: from extension)")
	return cmd
}

func graphCmd(c *cli) *cobra.Command {
	var (
		file        string
		fileFormat  string
		executionID string
		format      string
		output      string
	)
	cmd := &cobra.Command{
		Use:   "graph [CHAIN_ID]",
		Short: "Draw a chain, or an execution's progress through its chain",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var (
				chain *machine.Chain
				state *machine.ExecutionState
			)
			switch {
			case file != "":
				data, f, err := readDocument(file, fileFormat)
				if err != nil {
					return err
				}
				cd, err := codec.New(codec.WithFormat(f))
				if err != nil {
					return err
				}
				if chain, err = cd.DecodeChain(data); err != nil {
					return err
				}
			case executionID != "" || len(args) == 1:
				a, err := openApp(ctx, c.settings, c.logger)
				if err != nil {
					return err
				}
				defer a.Close()
				if executionID != "" {
					chain, state, err = a.service.Inspect(ctx, executionID)
				} else {
					chain, err = a.service.Chain(ctx, args[0])
				}
				if err != nil {
					return err
				}
			default:
				return fmt.Errorf("a chain ID, --file or --execution is required")
			}

			model, err := diagram.Build(chain, state)
			if err != nil {
				return err
			}

			var out []byte
			switch format {
			case "mermaid":
				out = []byte(diagram.RenderMermaid(model))
			case "ascii":
				out = []byte(diagram.RenderASCIIAuto(ctx, model, binDir()))
			case "dot":
				out, err = diagram.RenderDOT(ctx, model)
			case "png":
				out, err = diagram.RenderImage(ctx, model)
			default:
				return fmt.Errorf("unsupported diagram format %q", format)
			}
			if err != nil {
				return err
			}
			if output != "" {
				return os.WriteFile(output, out, 0o644)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Draw a chain document instead of a stored chain")
	cmd.Flags().StringVar(&fileFormat, "file-format", "", "Format of --file: json, yaml (default: from extension)")
	cmd.Flags().StringVar(&executionID, "execution", "", "Overlay this execution's progress")
	cmd.Flags().StringVar(&format, "format", "mermaid", "Output format: mermaid, ascii, dot, png")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to file instead of stdout")
	return cmd
}

func defineCmd(c *cli) *cobra.Command {
	var format, description string
	cmd := &cobra.Command{
		Use:   "define FILE",
		Short: "Store a chain definition, replacing any chain with the same ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, f, err := readDocument(args[0], format)
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), c.settings, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			info, err := a.service.Define(cmd.Context(), data, f, description)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), info)
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "Document format: json, yaml (default: from extension)")
	cmd.Flags().StringVar(&description, "description", "", "Chain description")
	return cmd
}

func runCmd(c *cli) *cobra.Command {
	var input string
	cmd := &cobra.Command{
		Use:   "run CHAIN_ID",
		Short: "Start an execution of a stored chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parseInput(input)
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), c.settings, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.service.Start(cmd.Context(), args[0], payload)
			if report != nil {
				if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
					return perr
				}
			}
			if err != nil {
				return err
			}
			return reportError(report)
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "Initial payload as JSON or YAML, or @FILE")
	return cmd
}

func resumeCmd(c *cli) *cobra.Command {
	var (
		input string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "resume EXECUTION_ID",
		Short: "Resume a suspended execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parseInput(input)
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), c.settings, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.service.Resume(cmd.Context(), args[0], orchestrator.ResumeOptions{Input: payload, Force: force})
			if report != nil {
				if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
					return perr
				}
			}
			if err != nil {
				return err
			}
			return reportError(report)
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "Values merged into the payload, as JSON or YAML, or @FILE")
	cmd.Flags().BoolVar(&force, "force", false, "Resume before the suspension's resume time")
	return cmd
}

func cancelCmd(c *cli) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel EXECUTION_ID",
		Short: "Cancel a running or suspended execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), c.settings, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.service.Cancel(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Why the execution is cancelled")
	return cmd
}

func statusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status EXECUTION_ID",
		Short: "Show an execution's state, history and per-step attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), c.settings, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.service.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}

func eventsCmd(c *cli) *cobra.Command {
	var since int64
	cmd := &cobra.Command{
		Use:   "events EXECUTION_ID",
		Short: "List an execution's events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), c.settings, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			events, err := a.service.Events(cmd.Context(), args[0], since)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), events)
		},
	}
	cmd.Flags().Int64Var(&since, "since", 0, "Only events with a sequence number above this")
	return cmd
}

func snapshotCmd(c *cli) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "snapshot EXECUTION_ID",
		Short: "Print an execution's stored snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), c.settings, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			data, err := a.service.Snapshot(cmd.Context(), args[0], codec.Format(format))
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().StringVar(&format, "format", string(codec.FormatJSON), "Snapshot format: json, yaml")
	return cmd
}

func listCmd(c *cli) *cobra.Command {
	var (
		chainID string
		status  string
		limit   int
	)
	cmd := &cobra.Command{
		Use:       "list chains|executions|jobs",
		Short:     "List stored chains, executions or scheduled jobs",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"chains", "executions", "jobs"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, c.settings, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			var out any
			switch args[0] {
			case "chains":
				out, err = a.service.Chains(ctx, store.ChainFilter{Limit: limit})
			case "executions":
				filter := store.ExecutionFilter{ChainID: chainID, Limit: limit}
				if status != "" {
					s := schema.ExecutionStatus(status)
					if !s.Valid() {
						return fmt.Errorf("unknown status %q", status)
					}
					filter.Status = &s
				}
				out, err = a.service.Executions(ctx, filter)
			case "jobs":
				out, err = a.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{ChainID: chainID, Limit: limit})
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&chainID, "chain", "", "Only this chain's executions or jobs")
	cmd.Flags().StringVar(&status, "status", "", "Only executions with this status")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	return cmd
}

func scheduleCmd(c *cli) *cobra.Command {
	var input string
	cmd := &cobra.Command{
		Use:   "schedule JOB_ID CHAIN_ID CRON",
		Short: "Run a stored chain on a five-field cron schedule",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parseInput(input)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := openApp(ctx, c.settings, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.service.Chain(ctx, args[1]); err != nil {
				return err
			}
			sched := scheduler.NewScheduler(a.store, a.service, c.logger)
			job, err := sched.Schedule(ctx, args[0], args[1], args[2], payload)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "Initial payload of every run, as JSON or YAML, or @FILE")
	return cmd
}

func unscheduleCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "unschedule JOB_ID",
		Short: "Delete a scheduled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), c.settings, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			return scheduler.NewScheduler(a.store, a.service, c.logger).Unschedule(cmd.Context(), args[0])
		},
	}
}

// --- helpers ---

// readDocument reads a chain document. An empty format is taken from the
// file extension, defaulting to JSON.
func readDocument(path, format string) ([]byte, codec.Format, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	if format != "" {
		return data, codec.Format(format), nil
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return data, codec.FormatYAML, nil
	default:
		return data, codec.FormatJSON, nil
	}
}

// parseInput decodes an inline or @file payload. JSON is accepted as a
// subset of YAML.
func parseInput(s string) (map[string]any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	data := []byte(s)
	if path, ok := strings.CutPrefix(s, "@"); ok {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}
	}
	var payload map[string]any
	if err := yaml.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("parse input: %w", err)
	}
	if payload == nil {
		return nil, fmt.Errorf("input must be an object")
	}
	return payload, nil
}

// reportError turns a failed execution into a command error so the exit
// status reflects it.
func reportError(report *orchestrator.ExecutionReport) error {
	if report == nil || report.Status != schema.ExecutionStatusFailed {
		return nil
	}
	if report.Error != nil {
		return fmt.Errorf("execution %s failed: %w", report.ExecutionID, report.Error)
	}
	return fmt.Errorf("execution %s failed", report.ExecutionID)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
