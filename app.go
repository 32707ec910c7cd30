package main

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"loumass/automation"
	"loumass/config"
	controller "loumass/controllers"
	"loumass/engine"
	"loumass/metrics"
	"loumass/middleware"
	"loumass/routes"
	"loumass/sequence"
	"loumass/store"
	"loumass/utils"
	"loumass/worker"
)

const (
	batchSize      = 500
	webhookTimeout = 15 * time.Second
)

// application is the wired object graph shared by the commands.
type application struct {
	engineWorker *worker.EngineWorker
	replyWorker  *worker.ReplyWorker
	handlers     routes.Handlers
}

// bootstrap loads configuration, connects to the database and wires the
// engines, workers and HTTP handlers.
func bootstrap() (*application, func(), error) {
	if err := config.LoadConfig(); err != nil {
		return nil, nil, err
	}
	flush, err := config.InitSentry()
	if err != nil {
		logrus.WithError(err).Warn("Sentry disabled")
	}
	if err := config.ConnectDB(); err != nil {
		flush()
		return nil, nil, err
	}
	metrics.Init()

	cfg := config.AppConfig
	db := config.DB
	log := logrus.StandardLogger()
	closers := []func() error{}

	var locker engine.Locker
	checks := map[string]controller.Pinger{
		"database": controller.PingFunc(func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}),
	}
	if cfg.Redis.Enabled {
		redisLocker := store.NewRedisLocker(cfg.Redis, log.WithField("component", "locker"))
		locker = redisLocker
		checks["redis"] = redisLocker
		closers = append(closers, redisLocker.Close)
	} else {
		locker = store.NewMemoryLocker()
	}
	rateLimitStorage := middleware.NewRateLimitStorage(cfg.Redis)
	if rateLimitStorage != nil {
		closers = append(closers, rateLimitStorage.Close)
	}

	enrollments := store.NewEnrollmentStore(db)
	automations := store.NewAutomationStore(db)
	contacts := store.NewContactStore(db)
	events := store.NewEventStore(db)
	ownership := store.NewOwnershipStore(db)

	history := utils.NewIMAPHistoryFetcher(db, log.WithField("component", "imap_history"))
	transport := utils.NewSMTPTransport(db, log.WithField("component", "smtp"), history, cfg.Engine.MessageIDDomain)
	resolver := engine.NewThreadHistoryResolver(transport, events, log.WithField("component", "thread_history"))
	composer := engine.NewComposer(resolver, cfg.Engine.TrackingBaseURL, cfg.Engine.TrackingSecret, log.WithField("component", "composer"))

	// Sequences
	interpreter := sequence.NewInterpreter(sequence.Dependencies{
		Enrollments: enrollments,
		Sequences:   enrollments,
		Contacts:    contacts,
		Events:      events,
		Transport:   transport,
		Composer:    composer,
		Locker:      locker,
		Logger:      log.WithField("engine", metrics.EngineSequence),
		LockTTL:     cfg.Engine.LockTTL,
	})
	scheduler := sequence.NewScheduler(enrollments, interpreter, cfg.Engine.Concurrency, batchSize, log.WithField("component", "scheduler"))
	sequences := sequence.NewService(enrollments, enrollments, interpreter, cfg.Engine.Concurrency, log.WithField("component", "sequence_service"))

	// Automations. The trigger and the engine reference each other through
	// moveTo nodes and immediate first passes.
	httpClient := automation.NewHTTPClient(webhookTimeout)
	trigger := automation.NewTrigger(automations, nil, cfg.Engine.Concurrency, log.WithField("component", "automation_trigger"))
	automationEngine := automation.NewEngine(automation.Dependencies{
		Repository: automations,
		Contacts:   contacts,
		Events:     events,
		Transport:  transport,
		Composer:   composer,
		SMS:        automation.NewSMSGateway(cfg.SMS.GatewayURL, cfg.SMS.Token, cfg.SMS.From, httpClient),
		Webhooks:   httpClient,
		Starter:    trigger,
		Locker:     locker,
		Logger:     log.WithField("engine", metrics.EngineAutomation),
		LockTTL:    cfg.Engine.LockTTL,
	})
	trigger.Processor = automationEngine
	runner := automation.NewRunner(automations, automationEngine, cfg.Engine.Concurrency, batchSize, log.WithField("component", "automation_runner"))

	engineWorker := worker.NewEngineWorker(cfg.Engine.RunInterval, log.WithField("worker", "engine"))
	engineWorker.Register("sequences", scheduler)
	engineWorker.Register("automations", runner)

	replyWorker := worker.NewReplyWorker(store.NewSenderStore(db), events, cfg.Engine.ReplyPollInterval, log.WithField("worker", "reply"))

	a := &application{
		engineWorker: engineWorker,
		replyWorker:  replyWorker,
		handlers: routes.Handlers{
			Sequences:        controller.NewSequenceController(sequences, scheduler, ownership, log.WithField("controller", "sequence")),
			Automations:      controller.NewAutomationController(trigger, runner, ownership, log.WithField("controller", "automation")),
			Engine:           controller.NewEngineController(engineWorker, sequences, trigger, ownership, log.WithField("controller", "engine")),
			Tracking:         controller.NewTrackingController(events, cfg.Engine.TrackingSecret, log.WithField("controller", "tracking")),
			Health:           controller.NewHealthController(version, checks),
			RateLimitStorage: rateLimitStorage,
		},
	}

	cleanup := func() {
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				logrus.WithError(err).Warn("Close failed")
			}
		}
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
		flush()
	}
	return a, cleanup, nil
}
