package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"daily_standup_bot/internal/app"
	"daily_standup_bot/internal/infra/config"
	idb "daily_standup_bot/internal/infra/database"
	"daily_standup_bot/internal/infra/gemini"
	"daily_standup_bot/internal/infra/logger"
	"daily_standup_bot/internal/infra/metrics"
	"daily_standup_bot/internal/infra/scheduler"
	"daily_standup_bot/internal/infra/telegram"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"gopkg.in/telebot.v3"
)

func main() {
	root := &cobra.Command{
		Use:          "bot",
		Short:        "Daily standup bot: collects team plans and sends a summary to each group administrator",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	root.AddCommand(migrateCMD())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		logger.Log.WithError(err).Error("Could not load application configuration")
		return err
	}
	logger.Init(cfg)
	mainLogger := logger.Component("main")
	mainLogger.WithField("environment", cfg.Environment).Info("Daily Standup Bot starting...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.AutoMigrate {
		if err := idb.Migrate(cfg.DatabaseURL, "up", 0); err != nil {
			mainLogger.WithError(err).Error("Could not apply database migrations")
			return err
		}
		mainLogger.Info("Database migrations applied")
	}

	db, err := idb.NewPostgresConnection(ctx, cfg.DatabaseURL)
	if err != nil {
		mainLogger.WithError(err).Error("Could not connect to database")
		return err
	}
	defer db.Close()
	mainLogger.Info("Database connection established successfully.")

	groupRepo := idb.NewPostgresGroupRepository(db)
	cycleRepo := idb.NewPostgresCycleRepository(db)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)
	if cfg.MetricsAddr != "" {
		go metrics.Serve(ctx, cfg.MetricsAddr, registry, logger.Component("metrics"))
	}

	bot, err := telebot.NewBot(telebot.Settings{
		Token:  cfg.TelegramToken,
		Poller: &telebot.LongPoller{Timeout: 10 * time.Second},
		OnError: func(err error, c telebot.Context) {
			entry := logger.Component("telebot").WithError(err)
			if c != nil && c.Sender() != nil && c.Chat() != nil {
				entry = entry.WithField("sender_id", c.Sender().ID).WithField("chat_id", c.Chat().ID)
			}
			entry.Error("Telegram handler error")
		},
	})
	if err != nil {
		mainLogger.WithError(err).Error("Could not create Telegram bot")
		return err
	}
	tgClient := telegram.NewTelebotAdapter(bot)

	generator := gemini.NewClient(cfg.GeminiAPIKey, cfg.GeminiModel, cfg.GeminiBaseURL, cfg.GeminiTimeout, logger.Component("gemini"))
	gate := app.NewQualityGate(generator, m, logger.Component("quality_gate"))
	composer := app.NewSummaryComposer(generator, groupRepo, tgClient, m, logger.Component("summary"))

	cronEngine := scheduler.NewEngine(logger.Component("cron"))
	timeouts := scheduler.NewTimeouts(cronEngine, logger.Component("timeouts"))

	cycles := app.NewCycleService(app.CycleServiceDeps{
		Directory: groupRepo,
		Repo:      cycleRepo,
		Telegram:  tgClient,
		Gate:      gate,
		Composer:  composer,
		Timeouts:  timeouts,
		Metrics:   m,
		Logger:    logger.Component("cycle"),
		Window:    cfg.CollectionWindow,
	})

	groupScheduler := scheduler.NewGroupScheduler(cronEngine, timeouts, groupRepo, cycles, m, logger.Component("scheduler"))
	adminService := app.NewAdminService(groupRepo, cycles, groupScheduler, cfg.AdminTelegramID)

	handlerLogger := logger.Component("telegram")
	telegram.RegisterBotCommands(ctx, bot, cfg, groupRepo, groupRepo, handlerLogger)
	telegram.RegisterAdminHandlers(ctx, bot, adminService, handlerLogger)
	telegram.RegisterMemberHandlers(ctx, bot, cycles, groupRepo, handlerLogger)
	mainLogger.Info("Telegram handlers registered.")

	groupScheduler.Start(ctx)

	listener := idb.NewGroupChangeListener(cfg.DatabaseURL, groupScheduler.RebuildFromDirectory, logger.Component("group_listener"))
	go func() {
		if err := listener.Run(ctx); err != nil {
			mainLogger.WithError(err).Error("Group change listener exited, use /reload after edits")
		}
	}()

	go bot.Start()
	mainLogger.Info("Application setup complete. Bot and scheduler are running.")

	<-ctx.Done()

	mainLogger.Info("Shutting down application...")
	bot.Stop()
	groupScheduler.Stop()
	cycles.Wait()
	mainLogger.Info("Application shut down gracefully.")
	return nil
}
