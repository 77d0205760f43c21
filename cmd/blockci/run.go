package main

import (
	"fmt"
	"strconv"
	"strings"

	"blockci/internal/actions"
	"blockci/internal/core"
	"blockci/internal/gitinfo"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	eventKind string
	branch    string
	fromGit   bool
	toggles   []string
)

var runCmd = &cobra.Command{
	Use:   "run [pipeline.yaml]",
	Short: "Evaluate an event and run the pipeline if it triggers",
	Long: `Evaluate an event against the pipeline's triggers and, on a match, run
every job. The exit code is 0 when every instance that was not skipped
succeeded or when no trigger matched, and 1 otherwise.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := applyToggles(); err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		p, err := core.LoadPipeline(pipelinePath(args))
		if err != nil {
			return err
		}
		ev, err := resolveEvent()
		if err != nil {
			return err
		}
		e, err := newEngine(ctx, cfg)
		if err != nil {
			return err
		}

		report, err := e.runner.Run(ctx, p, ev)
		if err != nil {
			return err
		}
		printReport(cmd.OutOrStdout(), report)
		if !report.Success() {
			return &ExitError{Code: 1}
		}
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate [pipeline.yaml]",
	Short: "Check a pipeline definition without running it",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, g, err := preparePipeline(args)
		if err != nil {
			return err
		}
		instances := 0
		for _, j := range g.Jobs() {
			instances += len(core.ExpandJob(j))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s pipeline %q: %d jobs, %d instances\n",
			okStyle.Render("valid"), p.Name, len(p.Jobs), instances)
		return nil
	},
}

var planCmd = &cobra.Command{
	Use:   "plan [pipeline.yaml]",
	Short: "Print the job order and expanded instances",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, g, err := preparePipeline(args)
		if err != nil {
			return err
		}
		printPlan(cmd.OutOrStdout(), g)
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&eventKind, "event", string(core.EventPush), "Event kind (push, pull_request)")
	runCmd.Flags().StringVar(&branch, "branch", "", "Branch of the event")
	runCmd.Flags().BoolVar(&fromGit, "from-git", false, "Take the branch from the workspace's git HEAD")
	runCmd.Flags().StringArrayVar(&toggles, "toggle", nil, "Set a toggle: name or name=false (repeatable)")
}

// preparePipeline loads and checks a pipeline against the built-in actions.
func preparePipeline(args []string) (*core.Pipeline, *core.Graph, error) {
	p, err := core.LoadPipeline(pipelinePath(args))
	if err != nil {
		return nil, nil, err
	}
	exec := core.NewExecutor(actions.Builtin(nil), actions.NewShell())
	g, err := core.NewRunner(exec).Prepare(p)
	if err != nil {
		return nil, nil, err
	}
	return p, g, nil
}

// resolveEvent builds the event from flags, falling back to the git HEAD
// when no branch was given.
func resolveEvent() (core.Event, error) {
	ev := core.Event{Kind: core.EventKind(eventKind), Branch: branch}
	if !ev.Kind.Valid() {
		return ev, fmt.Errorf("unsupported event kind %q", eventKind)
	}
	if fromGit || ev.Branch == "" {
		b, err := gitinfo.CurrentBranch(cfg.Workspace)
		if err != nil {
			return ev, fmt.Errorf("cannot read branch from git (use --branch): %w", err)
		}
		logger.Debug("branch from git", zap.String("branch", b))
		ev.Branch = b
	}
	return ev, nil
}

func applyToggles() error {
	for _, t := range toggles {
		name, val, hasVal := strings.Cut(t, "=")
		on := true
		if hasVal {
			var err error
			if on, err = strconv.ParseBool(val); err != nil {
				return fmt.Errorf("--toggle %s: %w", t, err)
			}
		}
		if cfg.Toggles == nil {
			cfg.Toggles = make(map[string]bool)
		}
		cfg.Toggles[name] = on
	}
	return nil
}
