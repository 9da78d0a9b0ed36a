package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"frameline/internal/app"
	"frameline/internal/config"
	"frameline/internal/db"
	"frameline/internal/domain"
	"frameline/internal/engine"
	"frameline/internal/engine/fault"
	"frameline/internal/logging"
	"frameline/internal/migrate"
	"frameline/internal/poller"
	"frameline/internal/repo"
	"frameline/internal/server"
	"frameline/internal/store"
	"frameline/internal/timeline"
	"frameline/internal/upstream"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Frameline CLI",
	Long: `Frameline runs video analysis projects against a remote processing engine.
A project moves through three stages, each an asynchronous job you can watch:
- segmentation: detect and count objects frame by frame
- analysis: summarize activities, anomalies and KPIs over the segmentation
- reports: render Excel and PDF reports from the analysis
The workspace is a .frameline directory holding the database, uploaded
videos and generated reports. 'fl sample' seeds a finished demo project.`,
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
	viper.SetEnvPrefix("FRAMELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("project", "", "project id (defaults to the only project)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(uploadCmd())
	rootCmd.AddCommand(sampleCmd())
	rootCmd.AddCommand(segmentCmd())
	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(cardCmd())
	rootCmd.AddCommand(timelineCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectDeleteCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Video", "Status", "Progress", "Seg", "Analysis", "Reports"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.VideoFilename, p.Status, fmt.Sprintf("%d%%", p.Progress),
						yesNo(p.HasSegmentation), yesNo(p.HasAnalysis), yesNo(p.HasReports)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "-"
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show [project-id]",
		Short: "Show project details",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id := viper.GetString("project")
				if len(args) == 1 {
					id = args[0]
				}
				if id == "" {
					p, err := e.Repo.SingleProject(ctx)
					if err != nil {
						return err
					}
					id = p.ID
				}
				p, err := e.Repo.GetProject(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <project-id>",
		Short: "Delete a project and its stored files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteProject(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
	return cmd
}

func uploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload <video-file>",
		Short: "Upload a video and create a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				info, err := f.Stat()
				if err != nil {
					return err
				}
				p, j, err := e.Upload(ctx, engine.UploadOptions{
					Filename: filepath.Base(args[0]),
					Size:     info.Size(),
					Content:  f,
				})
				if err != nil {
					return err
				}
				fmt.Printf("project %s created (%s, %d bytes)\n", p.ID, p.VideoFilename, p.FileSize)
				return printJSON(j)
			})
		},
	}
	return cmd
}

func sampleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sample",
		Short: "Create a pre-analyzed demo project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateSample(ctx)
				if err != nil {
					return err
				}
				fmt.Println("sample project", p.ID, "ready; try 'fl timeline' or 'fl report'")
				return nil
			})
		},
	}
}

func segmentCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "segment",
		Short: "Run segmentation on the project's video",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := resolveProject(ctx, e)
				if err != nil {
					return err
				}
				j, err := e.StartSegmentation(ctx, id)
				if err != nil {
					return err
				}
				fmt.Println("segmentation job", j.ID, "submitted")
				if watch {
					return watchJob(ctx, e, j.ID)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "poll until the job finishes")
	return cmd
}

func analyzeCmd() *cobra.Command {
	var watch bool
	var analysisType, model, mode string
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run analysis over the segmentation results",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := resolveProject(ctx, e)
				if err != nil {
					return err
				}
				j, err := e.StartAnalysis(ctx, id, engine.AnalysisOptions{
					AnalysisType: analysisType,
					Model:        model,
					Mode:         mode,
				})
				if err != nil {
					return err
				}
				fmt.Println("analysis job", j.ID, "submitted")
				if watch {
					return watchJob(ctx, e, j.ID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&analysisType, "type", "traffic", "analysis type")
	cmd.Flags().StringVar(&model, "model", "", "model override (defaults to config)")
	cmd.Flags().StringVar(&mode, "mode", "", "analysis mode override (defaults to config)")
	cmd.Flags().BoolVar(&watch, "watch", false, "poll until the job finishes")
	return cmd
}

func reportCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Generate Excel and PDF reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := resolveProject(ctx, e)
				if err != nil {
					return err
				}
				j, err := e.StartReports(ctx, id)
				if err != nil {
					return err
				}
				fmt.Println("report job", j.ID, "submitted")
				if watch {
					if err := watchJob(ctx, e, j.ID); err != nil {
						return err
					}
					arts, err := e.Repo.ListArtifacts(ctx, id)
					if err != nil {
						return err
					}
					for _, a := range arts {
						fmt.Println(a.Format+":", a.Path)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "poll until the job finishes")
	return cmd
}

func cardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "card",
		Short: "Generate a dataset card from the analysis",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := resolveProject(ctx, e)
				if err != nil {
					return err
				}
				card, err := e.GenerateDatasetCard(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(card)
			})
		},
	}
}

func timelineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "timeline",
		Short: "Render the analysis timeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := resolveProject(ctx, e)
				if err != nil {
					return err
				}
				view, err := e.Timeline(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				printTimeline(view)
				return nil
			})
		},
	}
}

// printTimeline renders markers and bands as a fixed-width strip.
func printTimeline(view engine.TimelineView) {
	const width = 60
	strip := []rune(strings.Repeat("-", width))
	for _, b := range bandOffsets(view.Bands) {
		for i := b.start; i < b.end && i < width; i++ {
			strip[i] = tierRune(b.tier)
		}
	}
	for _, m := range view.Markers {
		pos := int(m.Position * float64(width-1))
		strip[pos] = '!'
	}
	fmt.Printf("frames: %d", view.TotalFrames)
	if view.FallbackFrames {
		fmt.Print(" (assumed)")
	}
	fmt.Println()
	fmt.Println(string(strip))
	for _, m := range view.Markers {
		fmt.Printf("  ! %.0f%%  %s\n", m.Position*100, m.Anomaly.Description)
	}
	if len(view.Legend) > 0 {
		fmt.Println("activities:", strings.Join(view.Legend, ", "))
	}
}

type placedBand struct {
	start, end int
	tier       string
}

func bandOffsets(bands []timeline.Band) []placedBand {
	const width = 60
	placed := make([]placedBand, 0, len(bands))
	offset := 0.0
	for _, b := range bands {
		start := int(offset * width)
		offset += b.Width
		end := int(offset * width)
		if end > width {
			end = width
		}
		placed = append(placed, placedBand{start: start, end: end, tier: b.Tier})
	}
	return placed
}

func tierRune(tier string) rune {
	switch tier {
	case "high":
		return '#'
	case "medium":
		return '='
	case "low":
		return '.'
	default:
		return '~'
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show stage status for the project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := resolveProject(ctx, e)
				if err != nil {
					return err
				}
				p, err := e.Repo.GetProject(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "State", "Progress", "Message"})
				for _, stage := range []string{domain.StageUpload, domain.StageSegmentation, domain.StageAnalysis, domain.StageReports} {
					j, err := e.StageStatus(ctx, id, stage)
					if errors.Is(err, repo.ErrNotFound) {
						tw.AppendRow(table.Row{stage, "-", "", ""})
						continue
					}
					if err != nil {
						return err
					}
					msg := j.Message
					if j.Error != "" {
						msg = j.Error
					}
					tw.AppendRow(table.Row{stage, j.State, fmt.Sprintf("%d%%", j.Progress), msg})
				}
				tw.Render()
				fmt.Printf("project %s: %s\n", p.ID, p.Status)
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var limit int
	var evtType, stage string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := resolveProject(ctx, e)
				if err != nil {
					return err
				}
				events, err := e.Repo.LatestEvents(ctx, limit, id, evtType, stage)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Stage", "Entity"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.TS, evt.Type, evt.Stage, evt.EntityID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&stage, "stage", "", "stage filter")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Project configuration"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the project's stored configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := resolveProject(ctx, e)
				if err != nil {
					return err
				}
				cfg, err := e.Repo.GetProjectConfig(ctx, id)
				if err != nil {
					return err
				}
				data, err := cfg.ToYAML()
				if err != nil {
					return err
				}
				fmt.Print(string(data))
				return nil
			})
		},
	}
}

func configImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <config.yml>",
		Short: "Import configuration from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := resolveProject(ctx, e)
				if err != nil {
					return err
				}
				cfg, err := config.FromFile(args[0])
				if err != nil {
					return err
				}
				if err := e.Repo.UpsertProjectConfig(ctx, id, cfg); err != nil {
					return err
				}
				fmt.Println("configuration imported for", id)
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e, err := buildEngine(cmd.Context(), conn, workspace)
			if err != nil {
				return err
			}
			logger := logging.NewLogger(viper.GetString("log-level"))
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Logger: logger})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Frameline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// watchJob polls a submitted job until it reaches a terminal state,
// printing progress along the way.
func watchJob(ctx context.Context, e engine.Engine, jobID string) error {
	cfg := e.Config
	lastProgress := -1
	// A failed job is terminal, not a transient poll error: report it as
	// done to the loop so no further polls are scheduled, and surface
	// the failure afterwards.
	var jobErr error
	err := poller.Wait(ctx, func(ctx context.Context) (poller.Status, error) {
		j, err := e.PollJob(ctx, jobID)
		if err != nil {
			return poller.Status{}, err
		}
		if j.State == domain.JobFailed {
			jobErr = fault.JobFailedError{JobID: j.ID, Stage: j.Stage, Detail: j.Error}
			return poller.Status{Terminal: true, Progress: j.Progress, Message: j.Error}, nil
		}
		return poller.Status{Terminal: j.Terminal(), Progress: j.Progress, Message: j.Message}, nil
	}, poller.Options{
		InitialDelay:         cfg.Polling.StageInitialDelay.Std(),
		Interval:             cfg.Polling.Interval.Std(),
		MaxTransientFailures: cfg.Polling.MaxTransientFailures,
		Timeout:              cfg.Polling.Timeout.Std(),
		OnProgress: func(progress int, message string) {
			if progress != lastProgress {
				lastProgress = progress
				if message != "" {
					fmt.Printf("  %d%%  %s\n", progress, message)
				} else {
					fmt.Printf("  %d%%\n", progress)
				}
			}
		},
	})
	var te *poller.TimeoutError
	if errors.As(err, &te) {
		fmt.Println("stopped watching; the job keeps running, check 'fl status' later")
		return nil
	}
	if err != nil {
		return err
	}
	if jobErr != nil {
		return jobErr
	}
	fmt.Println("done")
	return nil
}

func resolveProject(ctx context.Context, e engine.Engine) (string, error) {
	id := viper.GetString("project")
	if id != "" {
		return id, nil
	}
	p, err := e.Repo.SingleProject(ctx)
	if err != nil {
		return "", err
	}
	return p.ID, nil
}

func buildEngine(ctx context.Context, conn *sql.DB, workspace string) (engine.Engine, error) {
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveProjectAndConfig(ctx, viper.GetString("project"), r)
	if err != nil {
		// no project yet: fall back to the workspace config (or the
		// defaults) so upload still works
		cfg, err = config.LoadOptional(workspace)
		if err != nil {
			return engine.Engine{}, err
		}
		if cfg == nil {
			cfg = config.Default("frameline")
		}
	}
	videos, err := db.VideosDir(workspace)
	if err != nil {
		return engine.Engine{}, err
	}
	reports, err := db.ReportsDir(workspace)
	if err != nil {
		return engine.Engine{}, err
	}
	st, err := store.NewLocal(videos, reports)
	if err != nil {
		return engine.Engine{}, err
	}
	up := upstream.NewHTTP(cfg.Upstream.BaseURL, cfg.Upstream.APIKey, cfg.Upstream.Timeout.Std())
	return engine.New(conn, cfg, up, st), nil
}

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
	e, err := buildEngine(ctx, conn, workspace)
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

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
