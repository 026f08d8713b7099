package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/normanking/conductor/internal/metrics"
	"github.com/normanking/conductor/internal/response"
	"github.com/normanking/conductor/internal/router"
	"github.com/normanking/conductor/pkg/types"
)

// signalContext cancels on Ctrl-C so a running workflow can checkpoint and
// release its lease.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// ═══════════════════════════════════════════════════════════════════════════════
// RUN COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

// commandFlags collects the flags that build a command.
type commandFlags struct {
	file         string
	typ          string
	text         string
	payload      string
	user         string
	role         string
	thread       string
	channel      string
	resource     string
	tier         string
	costApproved bool

	tools       int
	duration    time.Duration
	decisions   int
	needsMemory bool
	needsReview bool
}

func (f *commandFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVarP(&f.file, "file", "f", "", "read the command as JSON from a file (- for stdin)")
	fl.StringVarP(&f.typ, "type", "t", "", "command type, e.g. ANSWER or GENERATE")
	fl.StringVar(&f.text, "text", "", "free text, stored as payload.text")
	fl.StringVar(&f.payload, "payload", "", "payload as a JSON object")
	fl.StringVar(&f.user, "user", "", "user id (default $USER)")
	fl.StringVar(&f.role, "role", "member", "role used for authorization and the tier ceiling")
	fl.StringVar(&f.thread, "thread", "", "thread id (default a new uuid)")
	fl.StringVar(&f.channel, "channel", "cli", "ingress channel")
	fl.StringVar(&f.resource, "resource", "", "resource the command acts on")
	fl.StringVar(&f.tier, "tier", "", "force a tier (A, B or C), subject to the role ceiling")
	fl.BoolVar(&f.costApproved, "cost-approved", false, "allow tier C to run past its cost cap")

	fl.IntVar(&f.tools, "tools", 0, "complexity signal: expected tool count")
	fl.DurationVar(&f.duration, "duration", 0, "complexity signal: estimated duration")
	fl.IntVar(&f.decisions, "decisions", 0, "complexity signal: decision points")
	fl.BoolVar(&f.needsMemory, "needs-memory", false, "complexity signal: needs memory")
	fl.BoolVar(&f.needsReview, "needs-review", false, "complexity signal: needs human review")
}

// build assembles the command. Flags override fields read from --file.
func (f *commandFlags) build(cmd *cobra.Command) (*types.Command, error) {
	c := &types.Command{}
	if f.file != "" {
		raw, err := readInput(f.file)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, c); err != nil {
			return nil, fmt.Errorf("failed to parse command file: %w", err)
		}
	}

	fl := cmd.Flags()
	if f.payload != "" {
		p, err := parseObject(f.payload)
		if err != nil {
			return nil, fmt.Errorf("invalid --payload: %w", err)
		}
		c.Payload = p
	}
	if f.text != "" {
		if c.Payload == nil {
			c.Payload = map[string]any{}
		}
		c.Payload["text"] = f.text
	}
	if f.typ != "" {
		c.Type = strings.ToUpper(f.typ)
	}
	if f.user != "" || c.UserID == "" {
		c.UserID = firstNonEmpty(f.user, os.Getenv("USER"), "local")
	}
	if fl.Changed("role") || c.Role == "" {
		c.Role = f.role
	}
	if f.thread != "" {
		c.ThreadID = f.thread
	}
	if c.ThreadID == "" {
		c.ThreadID = uuid.NewString()
	}
	if fl.Changed("channel") || c.Channel == "" {
		c.Channel = f.channel
	}
	if f.resource != "" {
		c.ResourceID = f.resource
	}
	if f.tier != "" {
		t, err := types.ParseTier(f.tier)
		if err != nil {
			return nil, err
		}
		c.TierOverride = t
	}
	if f.costApproved {
		c.CostApproved = true
	}

	if fl.Changed("tools") {
		c.Signals.ToolCount = f.tools
	}
	if fl.Changed("duration") {
		c.Signals.EstimatedDuration = f.duration
	}
	if fl.Changed("decisions") {
		c.Signals.DecisionPoints = f.decisions
	}
	if fl.Changed("needs-memory") {
		c.Signals.NeedsMemory = f.needsMemory
	}
	if fl.Changed("needs-review") {
		c.Signals.NeedsHumanReview = f.needsReview
	}

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.IssuedAt.IsZero() {
		c.IssuedAt = time.Now().UTC()
	}
	return c, nil
}

func runCmd() *cobra.Command {
	var (
		f           commandFlags
		showMetrics bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Route and execute a command",
		Long: `Route a command to tier A, B or C and execute it.

Examples:
  conductor run --type ANSWER --text "what is the capital of France"
  conductor run --type GENERATE --text "release notes for 1.4" --needs-review
  conductor run --type RESEARCH --tier C --text "compare the three vendors"
  conductor run --file command.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := f.build(cmd)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			log.Debug().Str("command_id", c.ID).Str("type", c.Type).Str("thread_id", c.ThreadID).Msg("handling command")
			env := rt.service.Handle(ctx, c)

			if err := printEnvelope(cmd.OutOrStdout(), c.ThreadID, env); err != nil {
				return err
			}
			show := cfg.Metrics.Enabled
			if cmd.Flags().Changed("metrics") {
				show = showMetrics
			}
			if show && !jsonOut {
				printThreadMetrics(ctx, cmd.OutOrStdout(), rt, c.ThreadID)
			}
			return exitStatus(env)
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&showMetrics, "metrics", false, "print a metrics summary for the thread after the envelope (default metrics.enabled)")
	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// THREAD COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func resumeCmd() *cobra.Command {
	var (
		payload string
		approve bool
		reject  bool
	)

	cmd := &cobra.Command{
		Use:   "resume <thread>",
		Short: "Resume a suspended thread with human input",
		Long: `Resume a thread that is waiting for input.

Examples:
  conductor resume 3f2c... --approve
  conductor resume 3f2c... --reject
  conductor resume 3f2c... --payload '{"approved": true, "note": "ship it"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approve && reject {
				return fmt.Errorf("--approve and --reject are mutually exclusive")
			}
			var p map[string]any
			if payload != "" {
				obj, err := parseObject(payload)
				if err != nil {
					return fmt.Errorf("invalid --payload: %w", err)
				}
				p = obj
			}
			if approve || reject {
				if p == nil {
					p = map[string]any{}
				}
				p["approved"] = approve
			}

			ctx, cancel := signalContext()
			defer cancel()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			env := rt.service.Resume(ctx, args[0], p)
			if err := printEnvelope(cmd.OutOrStdout(), args[0], env); err != nil {
				return err
			}
			return exitStatus(env)
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "resume payload as a JSON object")
	cmd.Flags().BoolVar(&approve, "approve", false, "resume with approved=true")
	cmd.Flags().BoolVar(&reject, "reject", false, "resume with approved=false")
	return cmd
}

func stepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "step <thread>",
		Short: "Run exactly one node of a running thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withThread(cmd, args[0], func(ctx context.Context, rt *runtime) *response.Envelope {
				return rt.service.Step(ctx, args[0])
			})
		},
	}
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <thread>",
		Short: "Cancel a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withThread(cmd, args[0], func(ctx context.Context, rt *runtime) *response.Envelope {
				return rt.service.Cancel(ctx, args[0])
			})
		},
	}
}

func withThread(cmd *cobra.Command, threadID string, fn func(context.Context, *runtime) *response.Envelope) error {
	ctx, cancel := signalContext()
	defer cancel()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	env := fn(ctx, rt)
	if err := printEnvelope(cmd.OutOrStdout(), threadID, env); err != nil {
		return err
	}
	return exitStatus(env)
}

func statusCmd() *cobra.Command {
	var history bool

	cmd := &cobra.Command{
		Use:   "status <thread>",
		Short: "Show the latest checkpoint of a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			out := cmd.OutOrStdout()
			if history {
				cps, err := rt.service.History(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(out, cps)
				}
				fmt.Fprint(out, renderHistory(args[0], cps))
				return nil
			}

			cp, err := rt.service.Status(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(out, cp)
			}
			fmt.Fprint(out, renderCheckpoint(cp))
			return nil
		},
	}
	cmd.Flags().BoolVar(&history, "history", false, "list every checkpoint of the thread")
	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// INSPECTION COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func routeCmd() *cobra.Command {
	var f commandFlags

	cmd := &cobra.Command{
		Use:   "route",
		Short: "Score a command and show the tier it would run at",
		Long: `Score a command without executing it. Nothing is persisted.

Examples:
  conductor route --type ANSWER --text "quick question"
  conductor route --type AUDIT --tools 4 --decisions 3 --needs-memory`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := f.build(cmd)
			if err != nil {
				return err
			}
			r, err := router.NewComplexityRouter(cfg.Router)
			if err != nil {
				return fmt.Errorf("failed to build router: %w", err)
			}
			d, err := r.Route(cmd.Context(), c)
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), d)
			}
			fmt.Fprint(cmd.OutOrStdout(), renderDecision(c, d))
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func metricsCmd() *cobra.Command {
	var prom bool

	cmd := &cobra.Command{
		Use:   "metrics <thread>",
		Short: "Summarize a thread's audit trail",
		Long: `Replay the audit events recorded for a thread and summarize them.

Examples:
  conductor metrics 3f2c...
  conductor metrics 3f2c... --prom`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			c, err := rt.threadMetrics(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if prom {
				return c.WriteText(out)
			}
			if jsonOut {
				return writeJSON(out, c.GetSessionStats())
			}
			fmt.Fprintln(out, metrics.NewDashboard(c).Render())
			return nil
		},
	}
	cmd.Flags().BoolVar(&prom, "prom", false, "print the Prometheus text exposition instead of the dashboard")
	return cmd
}

func printThreadMetrics(ctx context.Context, w io.Writer, rt *runtime, threadID string) {
	c, err := rt.threadMetrics(ctx, threadID)
	if err != nil {
		log.Warn().Err(err).Msg("metrics unavailable")
		return
	}
	fmt.Fprintln(w, metrics.NewDashboard(c).RenderCompact())
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIG COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), getConfigPath())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the configuration for errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), successStyle().Render("✓")+" "+getConfigPath()+" is valid")
			return nil
		},
	})

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the effective configuration back to the config file",
		Long: `Write the effective configuration, with defaults filled in, to the
config file. Use --force to overwrite an existing file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := getConfigPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := cfg.SaveToPath(path); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Wrote "+path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)

	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return b, nil
}

func parseObject(s string) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("expected a JSON object")
	}
	return m, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func exitStatus(env *response.Envelope) error {
	if env == nil || !env.OK {
		return errNotOK
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
