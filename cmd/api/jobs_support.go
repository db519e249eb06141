package main

import (
	"context"
	"fmt"
	"log"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/vidshrink/internal/config"
	"github.com/yourusername/vidshrink/internal/history"
	"github.com/yourusername/vidshrink/internal/jobs"
	"github.com/yourusername/vidshrink/internal/notify"
	"github.com/yourusername/vidshrink/internal/pipeline"
	"github.com/yourusername/vidshrink/internal/transcode"
	"github.com/yourusername/vidshrink/internal/transfer"
	"github.com/yourusername/vidshrink/internal/workspace"
)

const eventBufferSize = 1000

// services は main が組み立てて寿命を管理するコンポーネントです。
type services struct {
	orch        *pipeline.Orchestrator
	events      *pipeline.EventBus
	sweeper     *workspace.Sweeper
	history     *history.Store
	jobs        *jobs.Manager
	handlerOpts pipeline.HandlerOptions
	ffmpegPath  string
	logger      *log.Logger
}

func setupServices(cfg *config.Config, logger *log.Logger) (*services, error) {
	svc := &services{logger: logger}

	executor := transcode.NewExecutor(cfg.FFmpegPath, logger)
	if path, err := executor.Check(); err != nil {
		logger.Printf("warning: %v (jobs will fail at the transcode step)", err)
	} else {
		svc.ffmpegPath = path
		logger.Printf("using ffmpeg at %s", path)
	}

	client := transfer.NewClient(transfer.Options{
		PoolSize:       cfg.ConnPoolSize,
		ConnectTimeout: cfg.ConnectTimeout,
		PoolTimeout:    cfg.PoolTimeout,
	})

	workspaces := workspace.NewManager(cfg.DownloadDir, cfg.CompressedDir)
	svc.sweeper = workspace.NewSweeper(
		workspaces,
		time.Duration(cfg.SweepIntervalMinutes)*time.Minute,
		time.Duration(cfg.SweepMaxAgeHours)*time.Hour,
		logger,
	)

	svc.events = pipeline.NewEventBus(eventBufferSize)
	observers := []pipeline.Observer{svc.events.Observer()}

	if cfg.HistoryDBPath != "" {
		store, err := history.Open(cfg.HistoryDBPath)
		if err != nil {
			return nil, fmt.Errorf("open history: %w", err)
		}
		svc.history = store
		observers = append(observers, store.Observer())
	}

	orch, err := pipeline.NewOrchestrator(pipeline.Deps{
		Fetcher:    client,
		Sender:     client,
		Transcoder: executor,
		Workspaces: workspaces,
	}, pipeline.Options{
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		JobTimeout:        cfg.JobTimeout,
		TranscodeTimeout:  cfg.TranscodeTimeout,
		Profile:           cfg.Profile,
		FetchLimits: transfer.Limits{
			MaxBytes:    cfg.MaxFileSize,
			ChunkSize:   cfg.ChunkSize,
			ReadTimeout: cfg.ReadTimeout,
			IdleTimeout: cfg.IdleTimeout,
		},
		SendLimits: transfer.Limits{
			MaxBytes:     cfg.MaxUploadSize,
			ChunkSize:    cfg.ChunkSize,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		Retention: time.Duration(cfg.JobExpireMinutes) * time.Minute,
		Observers: observers,
		Logger:    logger,
	})
	if err != nil {
		svc.closeHistory()
		return nil, err
	}
	svc.orch = orch

	webhook := notify.NewWebhook(nil, nil)
	svc.handlerOpts.StatusObserver = webhook.Observer

	if cfg.QueueRedisURL != "" {
		manager, store, err := setupJobs(cfg, orch, webhook, logger)
		if err != nil {
			svc.closeHistory()
			return nil, fmt.Errorf("set up queue: %w", err)
		}
		svc.jobs = manager
		svc.handlerOpts.Scheduler = manager
		svc.handlerOpts.Records = store
		manager.StartWorkers()
		logger.Printf("queue mode enabled (max retry %d)", cfg.QueueMaxRetry)
	}

	svc.sweeper.Start()
	return svc, nil
}

func setupJobs(cfg *config.Config, orch *pipeline.Orchestrator, webhook *notify.Webhook, logger *log.Logger) (*jobs.Manager, *jobs.Store, error) {
	opt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		return nil, nil, err
	}

	store := jobs.NewStore(redis.NewClient(opt), jobs.RecordTTL(cfg))
	manager, err := jobs.NewManager(cfg, orch, store, webhook.Observer, logger)
	if err != nil {
		return nil, nil, err
	}
	return manager, store, nil
}

// shutdown は新しいジョブの受付を止め、実行中のジョブを ctx の期限まで待ちます。
func (s *services) shutdown(ctx context.Context) {
	if s.jobs != nil {
		s.jobs.Stop()
	}
	if err := s.orch.Shutdown(ctx); err != nil {
		s.logger.Printf("orchestrator shutdown: %v (remaining jobs were canceled)", err)
	}
	if s.jobs != nil {
		if err := s.jobs.Shutdown(ctx); err != nil {
			s.logger.Printf("queue shutdown: %v", err)
		}
	}
	s.sweeper.Stop()
	s.closeHistory()
}

func (s *services) closeHistory() {
	if s.history == nil {
		return
	}
	if err := s.history.Close(); err != nil {
		s.logger.Printf("history close: %v", err)
	}
}
