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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"showrunner/internal/config"
	"showrunner/internal/db"
	"showrunner/internal/domain"
	"showrunner/internal/engine"
	"showrunner/internal/migrate"
	"showrunner/internal/repo"
	"showrunner/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "showrunner",
	Short: "Showrunner CLI",
	Long: `Showrunner turns a high-level intent ("launch an event experience") into a
bundle of concrete artifacts: the event, its product, tickets, a registration
form and a checkout page. Runs are idempotent: replaying the same experience
returns the same bundle without creating anything twice.`,
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
	viper.SetEnvPrefix("SHOWRUNNER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(experienceCmd())
	rootCmd.AddCommand(playbookCmd())
	rootCmd.AddCommand(artifactCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default showrunner.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func runCmd() *cobra.Command {
	var playbookID, experienceID, intent, intentFile string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Launch an experience and wait for its bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readIntent(intent, intentFile)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				bundle, err := e.CreateExperience(ctx, engine.CreateRequest{
					ExperienceID: experienceID,
					PlaybookID:   playbookID,
					RawIntent:    raw,
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printBundle(bundle)
			})
		},
	}
	cmd.Flags().StringVar(&playbookID, "playbook", "event", "playbook id")
	cmd.Flags().StringVar(&experienceID, "id", "", "experience id (optional, makes the run replayable)")
	cmd.Flags().StringVar(&intent, "intent", "", "intent JSON")
	cmd.Flags().StringVar(&intentFile, "intent-file", "", "path to intent JSON file")
	return cmd
}

func readIntent(inline, file string) (json.RawMessage, error) {
	switch {
	case inline != "" && file != "":
		return nil, fmt.Errorf("--intent and --intent-file are mutually exclusive")
	case inline != "":
		return json.RawMessage(inline), nil
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(data), nil
	}
	return nil, fmt.Errorf("--intent or --intent-file is required")
}

func experienceCmd() *cobra.Command {
	exp := &cobra.Command{Use: "experience", Short: "Inspect experiences"}
	exp.AddCommand(experienceListCmd())
	exp.AddCommand(experienceShowCmd())
	exp.AddCommand(experienceBundleCmd())
	return exp
}

func experienceListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List experiences",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListExperiences(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Playbook", "Status", "Created", "Completed"})
				for _, e := range items {
					completed := ""
					if e.CompletedAt != nil {
						completed = *e.CompletedAt
					}
					tw.AppendRow(table.Row{e.ID, e.PlaybookID, e.Status, e.CreatedAt, completed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max experiences")
	return cmd
}

func experienceShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an experience and its step log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				exp, err := r.GetExperience(ctx, args[0])
				if err != nil {
					return err
				}
				steps, err := r.ListSteps(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"experience": exp, "steps": steps})
				}
				fmt.Printf("Experience: %s (%s, playbook %s)\n", exp.ID, exp.Status, exp.PlaybookID)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Step", "Type", "Status", "Attempts", "Resolution", "Reason"})
				for _, s := range steps {
					tw.AppendRow(table.Row{s.StepID, s.ArtifactType, s.Status, s.Attempts, s.DuplicateResolution, s.FailureReason})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func experienceBundleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundle <id>",
		Short: "Show the artifact bundle of a terminal experience",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				bundle, err := e.GetBundle(ctx, args[0])
				if err != nil {
					return err
				}
				return printBundle(bundle)
			})
		},
	}
	return cmd
}

func playbookCmd() *cobra.Command {
	pb := &cobra.Command{Use: "playbook", Short: "Inspect playbooks"}
	pb.AddCommand(playbookListCmd())
	pb.AddCommand(playbookPlanCmd())
	return pb
}

func playbookListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List enabled playbooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return printJSONOrTable(e.Playbooks.IDs())
			})
		},
	}
	return cmd
}

func playbookPlanCmd() *cobra.Command {
	var intent, intentFile string
	cmd := &cobra.Command{
		Use:   "plan <playbook>",
		Short: "Derive and print the recipe for an intent without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readIntent(intent, intentFile)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				pb, err := e.Playbooks.Get(args[0])
				if err != nil {
					return err
				}
				_, recipe, err := pb.Derive(raw)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(recipe)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Step", "Type", "Name", "Depends On", "Required", "Skip"})
				for _, s := range recipe.Steps {
					skip := ""
					if s.Skip {
						skip = s.SkipReason
					}
					tw.AppendRow(table.Row{s.ID, s.ArtifactType, s.Name, strings.Join(s.DependsOn, ","), s.Required, skip})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&intent, "intent", "", "intent JSON")
	cmd.Flags().StringVar(&intentFile, "intent-file", "", "path to intent JSON file")
	return cmd
}

func artifactCmd() *cobra.Command {
	art := &cobra.Command{Use: "artifact", Short: "Inspect artifacts"}
	art.AddCommand(artifactListCmd())
	art.AddCommand(artifactShowCmd())
	return art
}

func artifactListCmd() *cobra.Command {
	var artifactType string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListArtifacts(ctx, artifactType, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Name", "Status", "Created"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Type, a.Name, a.Status, a.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&artifactType, "type", "", "artifact type filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max artifacts")
	return cmd
}

func artifactShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				a, err := r.GetArtifact(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, experienceID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.ListEvents(ctx, repo.EventFilters{
					ExperienceID: experienceID,
					Type:         evtType,
					Limit:        n,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Experience", "Entity", "Actor"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.TS, e.Type, e.ExperienceID, e.EntityKind + "/" + e.EntityID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&experienceID, "experience", "", "experience id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				authCfg := server.AuthConfig{
					JWTSecret:        os.Getenv("SHOWRUNNER_JWT_SECRET"),
					AllowActorHeader: devActorHeader,
				}
				if authCfg.JWTSecret == "" && !devActorHeader {
					return fmt.Errorf("SHOWRUNNER_JWT_SECRET is required for bearer auth (or pass --dev-actor-header)")
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
				fmt.Printf("Serving showrunner API on http://%s%s\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devActorHeader, "dev-actor-header", false, "accept X-Actor-Id header instead of JWT (development only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
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
	e, err := engine.New(engine.Options{DB: conn, Config: cfg})
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

func printBundle(b domain.ArtifactBundle) error {
	if viper.GetBool("json") {
		return printJSON(b)
	}
	fmt.Printf("Experience %s: %s\n", b.ExperienceID, b.Status)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Step", "Type", "Status", "Attempts", "Artifact", "Reason"})
	for _, s := range b.Steps {
		artifactID := ""
		if s.ArtifactID != nil {
			artifactID = *s.ArtifactID
		}
		tw.AppendRow(table.Row{s.StepID, s.ArtifactType, s.Status, s.Attempts, artifactID, s.FailureReason})
	}
	tw.Render()
	if len(b.Artifacts) > 0 {
		fmt.Println("Artifacts:")
		at := table.NewWriter()
		at.SetOutputMirror(os.Stdout)
		at.AppendHeader(table.Row{"Type", "Name", "Status", "ID"})
		for _, a := range b.Artifacts {
			at.AppendRow(table.Row{a.ArtifactType, a.Ref.Name, a.Status, a.Ref.ID})
		}
		at.Render()
	}
	return nil
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
