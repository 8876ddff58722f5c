package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"foreman/internal/config"
	"foreman/internal/control"
	"foreman/internal/db"
	"foreman/internal/domain"
	"foreman/internal/engine"
	"foreman/internal/lessons"
	"foreman/internal/migrate"
	"foreman/internal/repo"
	"foreman/internal/server"
	"foreman/internal/validator"
)

var rootCmd = &cobra.Command{
	Use:   "fm",
	Short: "Foreman CLI",
	Long: `Foreman supervises autonomous build work: it hands drops to workers,
validates what comes back, and recovers from failures on its own.
Core concepts:
- Workspace: the .foreman directory holding the database, control file,
  worker mailboxes, and the lessons log.
- Build: one finalized plan of streams, waves, and drops. Plans are
  consumed once at creation; the DAG never changes afterwards.
- Drop: the unit of work a worker executes. Drops flow
  pending -> running -> complete, or detour through failed/dead.
- Tick: one supervisory cycle ('fm tick'). Run it from cron or a loop;
  every pass is idempotent and guarded by a per-build lease.
- Deposit gate: workers' claims are validated line-by-line before any
  drop counts as complete. Critical findings reject the deposit.
- Control plane: a tri-state file switch (active/paused/stopped) read
  fresh on every tick ('fm control').
- Lessons: the append-only learnings log, written on rejections and
  escalations ('fm lessons tail').`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FOREMAN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("force", false, "skip confirmation on destructive operations")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
}

func registerCommands() {
	rootCmd.AddCommand(buildCmd())
	rootCmd.AddCommand(dropCmd())
	rootCmd.AddCommand(tickCmd())
	rootCmd.AddCommand(controlCmd())
	rootCmd.AddCommand(resolveCmd())
	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(lessonsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func buildCmd() *cobra.Command {
	build := &cobra.Command{
		Use:   "build",
		Short: "Manage builds",
		Long:  "Builds are finalized plans. Create one from a YAML plan; pause, resume, or fail it; completion is computed from its drops, never assigned.",
	}
	build.AddCommand(buildCreateCmd())
	build.AddCommand(buildListCmd())
	build.AddCommand(buildShowCmd())
	build.AddCommand(buildPauseCmd())
	build.AddCommand(buildResumeCmd())
	build.AddCommand(buildFailCmd())
	return build
}

func buildCreateCmd() *cobra.Command {
	var planPath string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a build from a plan file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(planPath)
			if err != nil {
				return err
			}
			var plan domain.Plan
			if err := yaml.Unmarshal(data, &plan); err != nil {
				return fmt.Errorf("parse plan %s: %w", planPath, err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.CreateBuild(ctx, plan, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&planPath, "plan", "", "path to YAML plan")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func buildListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List builds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListBuilds(ctx, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Slug", "Status", "Circuit", "Last Progress"})
				for _, b := range items {
					circuit := "closed"
					if b.Circuit.Open {
						circuit = "open"
					}
					tw.AppendRow(table.Row{b.Slug, b.Status, circuit, b.LastProgressAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (active, paused, blocked, complete, failed)")
	return cmd
}

func buildShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <slug>",
		Short: "Show a build with its drop counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.Repo.GetBuild(ctx, args[0])
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountDropsByStatus(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{
					"build":       b,
					"drop_counts": counts,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Build: %s (%s)\n", b.Slug, b.Status)
				if b.Circuit.Open {
					fmt.Printf("Spawn circuit: open until %s (%s)\n", b.Circuit.OpenUntil, b.Circuit.OpenReason)
				}
				if b.Lease != nil {
					fmt.Printf("Tick lease: %s until %s\n", b.Lease.Holder, b.Lease.ExpiresAt)
				}
				fmt.Println("Drops:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	return cmd
}

func buildPauseCmd() *cobra.Command {
	return buildStatusCmd("pause", "Pause a build", domain.BuildPaused)
}

func buildResumeCmd() *cobra.Command {
	return buildStatusCmd("resume", "Resume a paused or blocked build", domain.BuildActive)
}

func buildFailCmd() *cobra.Command {
	cmd := buildStatusCmd("fail", "Mark a build failed and archive it", domain.BuildFailed)
	run := cmd.RunE
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		// Failed is terminal; the build archives and never ticks again.
		if !viper.GetBool("force") {
			return fmt.Errorf("failing a build is permanent; re-run with --force")
		}
		return run(cmd, args)
	}
	return cmd
}

func buildStatusCmd(use, short, status string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <slug>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.SetBuildStatus(ctx, args[0], status, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
}

func dropCmd() *cobra.Command {
	drop := &cobra.Command{Use: "drop", Short: "Inspect drops"}
	drop.AddCommand(dropListCmd())
	drop.AddCommand(dropShowCmd())
	drop.AddCommand(dropReportsCmd())
	return drop
}

func dropListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <build>",
		Short: "List drops for a build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				drops, err := e.Repo.ListDrops(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(drops)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Stream", "Wave", "Status", "Retries", "Failure", "Judgment"})
				for _, d := range drops {
					judgment := ""
					if d.NeedsJudgment {
						judgment = "needed"
					}
					if d.Resolution != "" {
						judgment = d.Resolution
					}
					tw.AppendRow(table.Row{d.ID, d.Stream, d.Wave, d.Status, d.RetryCount, d.FailureKind, judgment})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func dropShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <build> <drop>",
		Short: "Show one drop",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Repo.GetDrop(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	return cmd
}

func dropReportsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reports <build> <drop>",
		Short: "List validation reports for a drop",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				reports, err := e.Repo.ListValidationReports(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(reports)
			})
		},
	}
	return cmd
}

func tickCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one supervisory cycle",
		Long:  "Reads the control plane, then for each active build acquires the tick lease, polls workers, validates deposits, spawns eligible drops, and applies recovery. Exits non-zero when the cycle saw critical findings or escalations.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.Tick(ctx)
				if err != nil {
					return err
				}
				if err := printJSONOrTable(report); err != nil {
					return err
				}
				if !report.OK() {
					return fmt.Errorf("tick finished with %d criticals, %d escalations", report.Criticals, report.Escalations)
				}
				return nil
			})
		},
	}
	return cmd
}

func controlCmd() *cobra.Command {
	ctl := &cobra.Command{
		Use:   "control",
		Short: "Operate the control plane switch",
		Long:  "The control file gates every tick; it is read fresh each cycle so a toggle takes effect on the next invocation. A missing file means active.",
	}
	ctl.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show control state",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := control.Read(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(s)
		},
	})
	for _, op := range []struct {
		use, short, state string
	}{
		{"resume", "Set control to active", control.StateActive},
		{"pause", "Pause all supervision", control.StatePaused},
		{"stop", "Stop all supervision", control.StateStopped},
	} {
		state := op.state
		ctl.AddCommand(&cobra.Command{
			Use:   op.use,
			Short: op.short,
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := control.Set(viper.GetString("workspace"), state)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			},
		})
	}
	return ctl
}

func resolveCmd() *cobra.Command {
	var outcome, note string
	cmd := &cobra.Command{
		Use:   "resolve <build> <drop>",
		Short: "Apply reviewer judgment to a flagged drop",
		Long:  "Retry re-queues the drop, accept takes the deposit as-is, abandon writes the drop off. Resolving a blocker reactivates a blocked build.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.ResolveDrop(ctx, args[0], args[1], outcome, note, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&outcome, "outcome", "", "retry, accept, or abandon")
	cmd.Flags().StringVar(&note, "note", "", "reviewer note for the audit log")
	_ = cmd.MarkFlagRequired("outcome")
	return cmd
}

func scanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan [path]",
		Short: "Run the deposit gate patterns over a directory",
		Long:  "Standalone audit: the same critical and warning classes the gate applies to deposits, run across a whole tree. Exits non-zero on critical findings.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) == 1 {
				path = args[0]
			}
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			gate, err := validator.New(cfg.Validator.CriticalPatterns, cfg.Validator.WarningPatterns)
			if err != nil {
				return err
			}
			report, err := gate.ScanDir(path)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				if err := printJSON(report); err != nil {
					return err
				}
			} else {
				fmt.Printf("Checked %d files: %d critical, %d warnings\n", report.FilesChecked, report.CriticalCount, report.WarningCount)
				for file, issues := range report.Issues {
					for _, i := range issues.Critical {
						fmt.Printf("  %s:%d [critical] %s: %s\n", file, i.Line, i.Message, i.Excerpt)
					}
					for _, i := range issues.Warnings {
						fmt.Printf("  %s:%d [warning] %s: %s\n", file, i.Line, i.Message, i.Excerpt)
					}
				}
			}
			if !report.Passed {
				return fmt.Errorf("%d critical findings", report.CriticalCount)
			}
			return nil
		},
	}
	return cmd
}

func lessonsCmd() *cobra.Command {
	lc := &cobra.Command{Use: "lessons", Short: "Read the system learnings log"}
	var n int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail lessons",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := lessons.New(viper.GetString("workspace"))
			items, err := log.Tail(n)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Timestamp", "Build", "Drop", "Category", "Severity", "Summary"})
			for _, l := range items {
				tw.AppendRow(table.Row{l.Timestamp, l.BuildSlug, l.DropID, l.Category, l.Severity, l.Summary})
			}
			tw.Render()
			return nil
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of lessons")
	lc.AddCommand(tail)
	return lc
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var build, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, build, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&build, "build", "", "build slug filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var actor, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (prints the secret once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				return fmt.Errorf("--actor required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := uuid.New().String()
				key := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				fmt.Printf("API key for %s: %s\n", actor, secret)
				fmt.Println("Store it now; only the hash is kept.")
				return nil
			})
		},
	}
	create.Flags().StringVar(&actor, "actor", "", "actor id the key authenticates")
	create.Flags().StringVar(&name, "name", "", "key label")
	ak.AddCommand(create)
	return ak
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("FOREMAN_JWT_SECRET")}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("FOREMAN_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Foreman API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	e, err := engine.New(conn, cfg, workspace)
	if err != nil {
		return err
	}
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
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
