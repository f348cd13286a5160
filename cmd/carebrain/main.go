package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"carebrain/internal/app"
	"carebrain/internal/config"
	"carebrain/internal/db"
	"carebrain/internal/domain"
	"carebrain/internal/engine"
	"carebrain/internal/engine/auth"
	"carebrain/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "carebrain",
	Short: "Carebrain care coordination CLI",
	Long: `Carebrain keeps a versioned care, emergency and connectivity state per
resident, turns observations into explainable signals, routes signals to
supervisors as exceptions and tracks the resulting work as NOW/NEXT/LATER tasks.

Every write is recorded on an append-only timeline; use 'carebrain timeline'
to follow a correlation id from observation to resolution.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", describeError(err))
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CAREBRAIN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (defaults to <workspace>/carebrain.yml)")
	flags.Bool("json", false, "output JSON")
	flags.BoolP("verbose", "v", false, "debug logging")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("actor-type", domain.ActorAgency, "actor type (FAMILY, CAREGIVER, SUPERVISOR, AGENCY, SYSTEM, DEVICE)")
	for _, name := range []string{"workspace", "config", "json", "verbose", "actor-id", "actor-type"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(residentCmd())
	rootCmd.AddCommand(stateCmd())
	rootCmd.AddCommand(transitionCmd())
	rootCmd.AddCommand(observeCmd())
	rootCmd.AddCommand(familyReportCmd())
	rootCmd.AddCommand(signalsCmd())
	rootCmd.AddCommand(exceptionsCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(timelineCmd())
	rootCmd.AddCommand(rulesCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- residents ---

func residentCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "resident", Short: "Manage residents"}
	cmd.AddCommand(residentActivateCmd())
	cmd.AddCommand(residentListCmd())
	cmd.AddCommand(residentShowCmd())
	cmd.AddCommand(residentBaselineCmd())
	return cmd
}

func residentActivateCmd() *cobra.Command {
	var res domain.Resident
	var baselines []string
	cmd := &cobra.Command{
		Use:   "activate",
		Short: "Register a resident and create its brain state",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseBaselines(baselines)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.ActivateResident(ctx, engine.ActivateRequest{Resident: res, Baselines: parsed, Actor: cliActor()})
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
	cmd.Flags().StringVar(&res.ID, "id", "", "resident id")
	cmd.Flags().StringVar(&res.AgencyID, "agency", "", "agency id")
	cmd.Flags().StringVar(&res.DisplayName, "name", "", "display name")
	cmd.Flags().BoolVar(&res.SupervisionEnabled, "supervised", false, "route warnings to a supervisor")
	cmd.Flags().StringVar(&res.ServiceModel, "service-model", "", "service model (e.g. supervised, skilled_nursing)")
	cmd.Flags().StringVar(&res.PrimaryCaregiverID, "caregiver", "", "primary caregiver id")
	cmd.Flags().StringSliceVar(&baselines, "baseline", nil, "baseline as metric=value (repeatable)")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("agency")
	return cmd
}

func residentListCmd() *cobra.Command {
	var agency string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List residents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListResidents(ctx, agency)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Agency", "Name", "Supervised", "Service model", "Caregiver"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.AgencyID, r.DisplayName, r.SupervisionEnabled, r.ServiceModel, r.PrimaryCaregiverID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&agency, "agency", "", "agency filter")
	return cmd
}

func residentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <resident-id>",
		Short: "Show a resident and its current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.GetResident(ctx, args[0])
				if err != nil {
					return err
				}
				out := struct {
					Resident   domain.Resident    `json:"resident"`
					BrainState *domain.BrainState `json:"brain_state,omitempty"`
				}{Resident: r}
				st, err := e.GetBrainState(ctx, args[0])
				switch {
				case err == nil:
					out.BrainState = &st
				case engine.CodeOf(err) != engine.CodeNoBrainState:
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
}

func residentBaselineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "baseline <resident-id> <metric> <value>",
		Short: "Set a resident's baseline for a metric",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := strconv.ParseFloat(args[2], 64)
			if err != nil {
				return fmt.Errorf("invalid value %q: %w", args[2], err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.SetBaseline(ctx, args[0], args[1], value, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
}

// --- brain state ---

func stateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "state", Short: "Inspect brain state"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <resident-id>",
		Short: "Show the current brain state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.GetBrainState(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "history <resident-id>",
		Short: "List recorded transitions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.History(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Version", "Action", "Care", "Emergency", "Connectivity", "By", "When"})
				for _, h := range items {
					tw.AppendRow(table.Row{
						h.Version, h.Action,
						h.PrevCareState + " -> " + h.NewCareState,
						h.PrevEmergency + " -> " + h.NewEmergency,
						h.PrevConnectivity + " -> " + h.NewConnectivity,
						h.ActorType + ":" + h.ActorID,
						humanize.Time(h.OccurredAt),
					})
				}
				tw.Render()
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "replay <resident-id>",
		Short: "Rebuild state from history and compare it with the stored state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.VerifyBrainState(ctx, args[0])
				if err != nil {
					return err
				}
				if !viper.GetBool("json") {
					fmt.Printf("consistent at version %d\n", st.Version)
					return nil
				}
				return printJSON(st)
			})
		},
	})
	return cmd
}

func transitionCmd() *cobra.Command {
	var expected int64
	var reason, correlation string
	cmd := &cobra.Command{
		Use:   "transition <resident-id> <action>",
		Short: "Apply a state machine action",
		Long: `Apply a care action (START_PREPARATION, CANCEL_PREPARATION, BEGIN_CARE,
PAUSE_CARE, RESUME_CARE, BEGIN_COMPLETION, COMPLETE_SESSION), an emergency
action (RAISE_EMERGENCY, CONFIRM_EMERGENCY, RESOLVE_EMERGENCY,
CANCEL_EMERGENCY) or a connectivity action (GO_OFFLINE, GO_ONLINE).

Without --expected-version the current version is read first.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if !cmd.Flags().Changed("expected-version") {
					cur, err := e.GetBrainState(ctx, args[0])
					if err != nil {
						return err
					}
					expected = cur.Version
				}
				st, err := e.Transition(ctx, engine.TransitionRequest{
					ResidentID:      args[0],
					ExpectedVersion: expected,
					Action:          strings.ToUpper(args[1]),
					Actor:           cliActor(),
					Reason:          reason,
					CorrelationID:   correlation,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
	cmd.Flags().Int64Var(&expected, "expected-version", 0, "version the caller last saw")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in history")
	cmd.Flags().StringVar(&correlation, "correlation-id", "", "correlation id")
	return cmd
}

// --- observations ---

func observeCmd() *cobra.Command {
	var in engine.ObservationInput
	var value, payload, at string
	cmd := &cobra.Command{
		Use:   "observe <resident-id>",
		Short: "Submit an observation and evaluate rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.ResidentID = args[0]
			in.Actor = cliActor()
			if value != "" {
				v, err := strconv.ParseFloat(value, 64)
				if err != nil {
					return fmt.Errorf("invalid --value %q: %w", value, err)
				}
				in.Value = &v
			}
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return fmt.Errorf("--payload must be a JSON object")
				}
				in.Payload = json.RawMessage(payload)
			}
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				in.ObservedAt = t
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.SubmitObservation(ctx, in)
				if err != nil {
					return err
				}
				return printObservationResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&in.Source, "source", "manual", "source (device, task, voice, manual, family)")
	cmd.Flags().StringVar(&in.Domain, "domain", "", "observation domain (e.g. vitals, hydration)")
	cmd.Flags().StringVar(&in.Metric, "metric", "", "metric name")
	cmd.Flags().StringVar(&value, "value", "", "numeric value")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload")
	cmd.Flags().StringVar(&at, "at", "", "observation time (RFC3339, default now)")
	cmd.Flags().StringVar(&in.IdempotencyKey, "key", "", "idempotency key")
	cmd.Flags().StringVar(&in.CorrelationID, "correlation-id", "", "correlation id")
	_ = cmd.MarkFlagRequired("domain")
	return cmd
}

func familyReportCmd() *cobra.Command {
	var w engine.FamilyWrite
	cmd := &cobra.Command{
		Use:   "family-report <resident-id>",
		Short: "Record a family report as the current actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w.ResidentID = args[0]
			w.FamilyMemberID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Auth.Require(cliActor(), auth.PermFamilyWrite); err != nil {
					return err
				}
				res, err := e.OnFamilyWrite(ctx, w)
				if err != nil {
					return err
				}
				return printObservationResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&w.Severity, "severity", "concern", "reporter severity (info, concern, urgent, critical)")
	cmd.Flags().StringVar(&w.Message, "message", "", "report text")
	cmd.Flags().StringVar(&w.IdempotencyKey, "key", "", "idempotency key")
	cmd.Flags().StringVar(&w.CorrelationID, "correlation-id", "", "correlation id")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

// --- signals and exceptions ---

func signalsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "signals", Short: "Inspect and dismiss signals"}
	var q engine.SignalQuery
	list := &cobra.Command{
		Use:   "list",
		Short: "List active signals for a resident or agency",
		RunE: func(cmd *cobra.Command, args []string) error {
			if q.ResidentID == "" && q.AgencyID == "" {
				return fmt.Errorf("--resident or --agency required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Auth.Require(cliActor(), auth.PermSignalRead); err != nil {
					return err
				}
				items, err := e.ListActiveSignals(ctx, q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printSignals(items)
				return nil
			})
		},
	}
	list.Flags().StringVar(&q.ResidentID, "resident", "", "resident id")
	list.Flags().StringVar(&q.AgencyID, "agency", "", "agency id")
	list.Flags().BoolVar(&q.IncludeDismissed, "all", false, "include dismissed signals")
	list.Flags().IntVar(&q.Limit, "n", 50, "maximum signals")
	cmd.AddCommand(list)

	var reason string
	dismiss := &cobra.Command{
		Use:   "dismiss <signal-id>",
		Short: "Dismiss a signal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.DismissSignal(ctx, args[0], cliActor(), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	dismiss.Flags().StringVar(&reason, "reason", "", "why the signal is dismissed")
	_ = dismiss.MarkFlagRequired("reason")
	cmd.AddCommand(dismiss)
	return cmd
}

func exceptionsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "exceptions", Short: "Triage and resolve exceptions"}

	var f repo.ExceptionFilter
	list := &cobra.Command{
		Use:   "list",
		Short: "List exceptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Auth.Require(cliActor(), auth.PermExceptionRead); err != nil {
					return err
				}
				items, err := e.ListExceptions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Resident", "Severity", "State", "Decision", "Task", "Opened"})
				for _, x := range items {
					tw.AppendRow(table.Row{x.ID, x.ResidentID, x.Severity, x.State, x.Decision, x.AssignedTaskID, humanize.Time(x.CreatedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.ResidentID, "resident", "", "resident id")
	list.Flags().StringVar(&f.State, "state", "", "state filter (PENDING, TRIAGED, RESOLVED)")
	list.Flags().IntVar(&f.Limit, "n", 50, "maximum exceptions")
	cmd.AddCommand(list)

	var req engine.TriageRequest
	triage := &cobra.Command{
		Use:   "triage <exception-id>",
		Short: "Acknowledge, escalate or dismiss a pending exception",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.ExceptionID = args[0]
			req.Actor = cliActor()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Triage(ctx, req)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	triage.Flags().StringVar(&req.Decision, "decision", "", "acknowledge, escalate or dismiss")
	triage.Flags().StringVar(&req.Comments, "comments", "", "decision comments")
	triage.Flags().StringVar(&req.AssigneeID, "assignee", "", "assignee for the escalation task")
	_ = triage.MarkFlagRequired("decision")
	cmd.AddCommand(triage)

	var justification string
	resolve := &cobra.Command{
		Use:   "resolve <exception-id>",
		Short: "Resolve a triaged exception",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				x, err := e.ResolveException(ctx, args[0], cliActor(), justification)
				if err != nil {
					return err
				}
				return printJSONOrTable(x)
			})
		},
	}
	resolve.Flags().StringVar(&justification, "justification", "", "resolution justification")
	_ = resolve.MarkFlagRequired("justification")
	cmd.AddCommand(resolve)
	return cmd
}

// --- tasks ---

func tasksCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "tasks", Short: "Manage care tasks"}
	cmd.AddCommand(taskCreateCmd())
	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskUpdateCmd())
	cmd.AddCommand(taskBoardCmd())
	return cmd
}

func taskCreateCmd() *cobra.Command {
	var in engine.NewTask
	var due time.Duration
	cmd := &cobra.Command{
		Use:   "create <resident-id>",
		Short: "Create a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.ResidentID = args[0]
			in.Actor = cliActor()
			if due > 0 {
				in.DueAt = time.Now().UTC().Add(due)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&in.Category, "category", "", "task category")
	cmd.Flags().StringVar(&in.Title, "title", "", "task title")
	cmd.Flags().StringVar(&in.Priority, "priority", domain.PriorityNormal, "urgent, high, normal or low")
	cmd.Flags().DurationVar(&due, "due-in", 0, "due after this long (default from the priority SLA)")
	cmd.Flags().StringVar(&in.AssigneeID, "assignee", "", "assignee id")
	_ = cmd.MarkFlagRequired("category")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilter
	cmd := &cobra.Command{
		Use:   "list <resident-id>",
		Short: "List tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ResidentID = args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Auth.Require(cliActor(), auth.PermTaskRead); err != nil {
					return err
				}
				items, err := e.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printTasks("", items)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&f.OpenOnly, "open", false, "only tasks that are not completed")
	cmd.Flags().IntVar(&f.Limit, "n", 100, "maximum tasks")
	return cmd
}

func taskUpdateCmd() *cobra.Command {
	var req engine.TaskUpdate
	cmd := &cobra.Command{
		Use:   "update <task-id> <start|complete|block|unblock>",
		Short: "Move a task along its lifecycle",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.TaskID = args[0]
			req.Action = strings.ToLower(args[1])
			req.Actor = cliActor()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.UpdateTaskState(ctx, req)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&req.Reason, "reason", "", "reason (required to block)")
	cmd.Flags().StringVar(&req.AssigneeID, "assignee", "", "reassign while updating")
	return cmd
}

func taskBoardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "board <resident-id>",
		Short: "Show open tasks bucketed into NOW, NEXT and LATER",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Auth.Require(cliActor(), auth.PermTaskRead); err != nil {
					return err
				}
				b, err := e.Board(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(b)
				}
				printTasks("NOW", b.Now)
				printTasks("NEXT", b.Next)
				printTasks("LATER", b.Later)
				return nil
			})
		},
	}
}

// --- timeline and rules ---

func timelineCmd() *cobra.Command {
	var f repo.TimelineFilter
	cmd := &cobra.Command{
		Use:   "timeline",
		Short: "Read the append-only timeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Auth.Require(cliActor(), auth.PermTimelineRead); err != nil {
					return err
				}
				items, err := e.Timeline(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Seq", "Event", "Resident", "Actor", "Source", "Correlation", "When"})
				for _, ev := range items {
					tw.AppendRow(table.Row{
						ev.Seq, ev.EventType, ev.ResidentID,
						ev.ActorType + ":" + ev.ActorID,
						ev.SourceTable + "/" + ev.SourceID,
						ev.CorrelationID,
						humanize.Time(ev.OccurredAt),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ResidentID, "resident", "", "resident id")
	cmd.Flags().StringVar(&f.CorrelationID, "correlation-id", "", "correlation id")
	cmd.Flags().StringVar(&f.ActorID, "by", "", "actor id filter")
	cmd.Flags().StringVar(&f.EventType, "type", "", "event type filter")
	cmd.Flags().Int64Var(&f.AfterSeq, "after", 0, "only events after this sequence number")
	cmd.Flags().IntVar(&f.Limit, "n", 50, "number of events")
	return cmd
}

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rules", Short: "Inspect and import detection rules"}
	var category string
	list := &cobra.Command{
		Use:   "list",
		Short: "List rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListRules(ctx, category)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Category", "Kind", "Severity", "Window", "Enabled", "Title"})
				for _, r := range items {
					window := ""
					if r.WindowSeconds > 0 {
						window = (time.Duration(r.WindowSeconds) * time.Second).String()
					}
					tw.AppendRow(table.Row{r.ID, r.Category, r.Kind, r.Severity, window, r.Enabled, r.Title})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&category, "category", "", "category filter")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Import a YAML or JSON rule catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			list, err := config.ParseRules(data)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.ImportRules(ctx, list, cliActor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"imported": n})
				}
				fmt.Printf("imported %s rules\n", humanize.Comma(int64(n)))
				return nil
			})
		},
	})
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default carebrain.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.Config.ToYAML()
				if err != nil {
					return err
				}
				fmt.Print(string(b))
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if len(args) == 1 {
				path = args[0]
			}
			cfg, err := config.FromFile(path)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Println("config ok:", path)
			return nil
		},
	})
	return cmd
}

func sweepCmd() *cobra.Command {
	var agency string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Re-evaluate stored observation windows for every resident",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.Sweep(ctx, agency)
				if perr := printJSONOrTable(report); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&agency, "agency", "", "limit to one agency")
	return cmd
}

// --- helpers ---

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	e, conn, err := app.Open(ctx, viper.GetString("workspace"), viper.GetString("config"), newLogger())
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, e)
}

func cliActor() domain.Actor {
	return domain.Actor{
		Type: strings.ToUpper(viper.GetString("actor-type")),
		ID:   viper.GetString("actor-id"),
	}
}

func parseBaselines(in []string) (map[string]float64, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(in))
	for _, kv := range in {
		metric, raw, ok := strings.Cut(kv, "=")
		if !ok || metric == "" {
			return nil, fmt.Errorf("invalid baseline %q, want metric=value", kv)
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid baseline %q: %w", kv, err)
		}
		out[metric] = v
	}
	return out, nil
}

// describeError renders engine errors with their code and any blocking
// rule so scripts can match on the first token.
func describeError(err error) string {
	var ce *engine.Error
	if errors.As(err, &ce) {
		msg := fmt.Sprintf("%s: %s", ce.Code, ce.Message)
		if ce.Block != nil {
			msg += fmt.Sprintf(" (rule %s: %s)", ce.Block.RuleID, ce.Block.Remediation)
		}
		if ce.Current != nil {
			msg += fmt.Sprintf(" (current version %d)", ce.Current.Version)
		}
		return msg
	}
	return err.Error()
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printObservationResult(res engine.ObservationResult) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	status := "recorded"
	if res.Duplicate {
		status = "duplicate"
	}
	fmt.Printf("observation %s %s (correlation %s)\n", res.Observation.ID, status, res.Observation.CorrelationID)
	if len(res.Evaluation.Created) > 0 {
		printSignals(res.Evaluation.Created)
	}
	for _, x := range res.Exceptions {
		fmt.Printf("exception %s opened (%s) for supervisor review\n", x.ID, x.Severity)
	}
	for _, f := range res.Evaluation.Failures {
		fmt.Fprintf(os.Stderr, "rule %s failed: %s\n", f.RuleID, f.Reason)
	}
	return nil
}

func printSignals(items []domain.Signal) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Rule", "Severity", "Title", "Detected", "Next step"})
	for _, s := range items {
		tw.AppendRow(table.Row{s.ID, s.RuleID, s.Severity, s.Title, humanize.Time(s.DetectedAt), s.Why.HumanAction})
	}
	tw.Render()
}

func printTasks(title string, items []domain.Task) {
	tw := newTable()
	if title != "" {
		tw.SetTitle(fmt.Sprintf("%s (%d)", title, len(items)))
	}
	tw.AppendHeader(table.Row{"ID", "Title", "Priority", "State", "Due", "Assignee"})
	for _, t := range items {
		tw.AppendRow(table.Row{t.ID, t.Title, t.Priority, t.State, humanize.Time(t.DueAt), t.AssigneeID})
	}
	tw.Render()
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
