package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/disgoorg/snowflake/v2"
	"github.com/ethoslink/rolesync/internal/bot"
	"github.com/ethoslink/rolesync/internal/jobs"
	"github.com/ethoslink/rolesync/internal/progress"
	"github.com/ethoslink/rolesync/internal/reconcile"
	"github.com/ethoslink/rolesync/internal/rest"
	"github.com/ethoslink/rolesync/internal/scheduler"
	"github.com/ethoslink/rolesync/internal/setup"
	"github.com/ethoslink/rolesync/internal/setup/config"
	"github.com/ethoslink/rolesync/internal/setup/telemetry"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

const (
	// BotLogDir specifies where service log files are stored.
	BotLogDir = "logs/bot_logs"
	// CLILogDir specifies where one-shot command log files are stored.
	CLILogDir = "logs/cli_logs"
)

// Server timeouts.
const (
	ReadTimeout  = 10 * time.Second
	WriteTimeout = 30 * time.Second
)

var (
	ErrGuildRequired = errors.New("no guild given and no default guild configured")
	ErrUserRequired  = errors.New("--user is required")
	ErrJobBusy       = errors.New("a job of this kind is already running")
)

func main() {
	if err := run(); err != nil {
		log.Printf("Error: %v", err)
		os.Exit(1)
	}
}

func run() error {
	guildFlag := &cli.UintFlag{
		Name:    "guild",
		Aliases: []string{"g"},
		Usage:   "Guild ID (defaults to discord.guild_id)",
	}
	forceFlag := &cli.BoolFlag{
		Name:    "force",
		Aliases: []string{"f"},
		Usage:   "Ignore the sync cache",
	}

	app := &cli.Command{
		Name:  "rolesync",
		Usage: "Sync Discord roles with Ethos reputation",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run the gateway bot, HTTP trigger server and scheduler",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "no-bot", Usage: "Do not connect to the gateway"},
					&cli.BoolFlag{Name: "no-api", Usage: "Do not start the HTTP server"},
					&cli.BoolFlag{Name: "no-schedule", Usage: "Do not run scheduled passes"},
				},
				Action: serve,
			},
			{
				Name:  "sync",
				Usage: "Run a chunked guild sync until it finishes",
				Flags: []cli.Flag{
					guildFlag,
					forceFlag,
					&cli.IntFlag{Name: "start", Usage: "Member index to start from"},
					&cli.IntFlag{Name: "chunk", Usage: "Members per chunk (defaults to sync.chunk_size)"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					return runJob(ctx, c, jobs.KindSync, func(app *setup.App, guildID snowflake.ID) jobs.StartResult {
						return app.Orchestrator.StartSync(jobs.SyncRequest{
							GuildID:    guildID,
							StartIndex: int(c.Int("start")),
							ChunkSize:  int(c.Int("chunk")),
							Force:      c.Bool("force"),
							Source:     reconcile.SourceSync,
						})
					})
				},
			},
			{
				Name:  "batch-sync",
				Usage: "Run a bulk-resolution guild sync until it finishes",
				Flags: []cli.Flag{guildFlag, forceFlag},
				Action: func(ctx context.Context, c *cli.Command) error {
					return runJob(ctx, c, jobs.KindSync, func(app *setup.App, guildID snowflake.ID) jobs.StartResult {
						return app.Orchestrator.StartBatchSync(guildID, c.Bool("force"))
					})
				},
			},
			{
				Name:  "validator-check",
				Usage: "Demote validator role holders who no longer own a validator",
				Flags: []cli.Flag{guildFlag},
				Action: func(ctx context.Context, c *cli.Command) error {
					return runJob(ctx, c, jobs.KindValidatorCheck, func(app *setup.App, guildID snowflake.ID) jobs.StartResult {
						return app.Orchestrator.StartValidatorCheck(guildID)
					})
				},
			},
			{
				Name:  "force-sync",
				Usage: "Sync a single member, ignoring the sync cache",
				Flags: []cli.Flag{
					guildFlag,
					&cli.UintFlag{Name: "user", Aliases: []string{"u"}, Usage: "Discord user ID"},
				},
				Action: forceSync,
			},
			{
				Name:   "cache-stats",
				Usage:  "Print sync cache statistics",
				Action: cacheStats,
			},
		},
	}

	return app.Run(context.Background(), os.Args)
}

// serve runs the long-lived services until an interrupt arrives.
func serve(ctx context.Context, c *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, _, err := config.LoadConfig()
	if err != nil {
		return err
	}

	if !c.Bool("no-bot") && cfg.Discord.Token == "" {
		return config.ErrMissingDiscordToken
	}

	// Initialize application with required dependencies
	app, err := setup.InitializeWithConfig(ctx, cfg, telemetry.ServiceBot, BotLogDir)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	shutdownTimeout := time.Duration(cfg.API.ShutdownTimeout) * time.Second

	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		app.Cleanup(cleanupCtx)
	}()

	// Discord gateway bot
	var discordBot *bot.Bot

	if !c.Bool("no-bot") {
		handler := bot.NewHandler(
			app.Engine, app.Ethos, cfg.Sync.MaxInteractive, app.Clock,
			app.LogManager.GetWorkerLogger("interactions"),
		)

		discordBot, err = bot.New(&cfg.Discord, handler, app.Logger)
		if err != nil {
			return err
		}

		if err := discordBot.Start(ctx); err != nil {
			return fmt.Errorf("failed to start bot: %w", err)
		}
	}

	// HTTP trigger server
	var (
		srv        *http.Server
		restServer *rest.Server
	)

	if !c.Bool("no-api") {
		restServer = rest.NewServer(rest.Dependencies{
			Jobs:       app.Orchestrator,
			Syncer:     app.Engine,
			Cache:      app.SyncCache,
			RateLimits: app.Discord,
			Metrics:    app.Metrics.Handler(),
			Now:        app.Clock.Now,
		}, &cfg.API, app.GuildID, app.Logger)

		srv = &http.Server{
			Addr:         cfg.API.Address(),
			Handler:      restServer.Handler(),
			ReadTimeout:  ReadTimeout,
			WriteTimeout: WriteTimeout,
		}

		go func() {
			app.Logger.Info("HTTP server started", zap.String("addr", srv.Addr))

			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				app.Logger.Error("Failed to start server", zap.Error(err))
				stop()
			}
		}()
	}

	// Scheduled passes
	if !c.Bool("no-schedule") && app.GuildID != 0 {
		sched := scheduler.ForGuild(app.Orchestrator, scheduler.Options{
			GuildID:           app.GuildID,
			EnableSync:        cfg.Schedule.EnableSync,
			SyncInterval:      time.Duration(cfg.Schedule.SyncIntervalMinutes) * time.Minute,
			EnableValidator:   cfg.Schedule.EnableValidatorCheck,
			ValidatorInterval: time.Duration(cfg.Schedule.ValidatorIntervalMinutes) * time.Minute,
		}, app.Logger)

		go sched.Run(ctx)
	}

	log.Println("Service has been started. Waiting for interrupt signal to gracefully shutdown...")
	<-ctx.Done()

	app.Logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			app.Logger.Error("Server forced to shutdown", zap.Error(err))
		}

		restServer.Close()
	}

	if discordBot != nil {
		discordBot.Close(shutdownCtx)
	}

	return nil
}

// runJob starts a guild pass and blocks until it finishes or an interrupt stops it.
func runJob(
	ctx context.Context, c *cli.Command, kind jobs.Kind,
	start func(app *setup.App, guildID snowflake.ID) jobs.StartResult,
) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := setup.InitializeApp(ctx, telemetry.ServiceCLI, CLILogDir)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer app.Cleanup(context.Background())

	guildID, err := guildFrom(c, app)
	if err != nil {
		return err
	}

	if start(app, guildID) == jobs.AlreadyRunning {
		return ErrJobBusy
	}

	done := make(chan struct{})
	go func() {
		app.Jobs.Wait(kind)
		close(done)
	}()

	// Progress line until the job finishes
	renderCtx, stopRender := context.WithCancel(context.Background())
	renderer := progress.NewRenderer(func() jobs.Status { return app.Jobs.Status(kind) }, 30)

	rendered := make(chan struct{})
	go func() {
		renderer.Render(renderCtx)
		close(rendered)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		app.Jobs.Stop(kind)
		<-done
	}

	stopRender()
	<-rendered
	renderer.Stop()

	return printJSON(app.Jobs.Status(kind))
}

// forceSync syncs a single member and prints the result.
func forceSync(ctx context.Context, c *cli.Command) error {
	if c.Uint("user") == 0 {
		return ErrUserRequired
	}

	app, err := setup.InitializeApp(ctx, telemetry.ServiceCLI, CLILogDir)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer app.Cleanup(context.Background())

	guildID, err := guildFrom(c, app)
	if err != nil {
		return err
	}

	result, err := app.Engine.SyncUser(ctx, guildID, snowflake.ID(c.Uint("user")), reconcile.Options{
		Force:  true,
		Source: reconcile.SourceForceSync,
	})
	if err != nil && result == nil {
		return err
	}

	if printErr := printJSON(result); printErr != nil {
		return printErr
	}

	return err
}

// cacheStats prints the sync cache summary.
func cacheStats(ctx context.Context, _ *cli.Command) error {
	app, err := setup.InitializeApp(ctx, telemetry.ServiceCLI, CLILogDir)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer app.Cleanup(context.Background())

	stats, err := app.SyncCache.Stats(ctx)
	if err != nil {
		return err
	}

	return printJSON(stats)
}

// guildFrom returns the --guild flag or the configured default guild.
func guildFrom(c *cli.Command, app *setup.App) (snowflake.ID, error) {
	if id := c.Uint("guild"); id != 0 {
		return snowflake.ID(id), nil
	}

	if app.GuildID == 0 {
		return 0, ErrGuildRequired
	}

	return app.GuildID, nil
}

func printJSON(v any) error {
	out, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	fmt.Println(string(out))

	return nil
}
