package service

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"wisefido-guardian/internal/collaborator"
	"wisefido-guardian/internal/common/database"
	logpkg "wisefido-guardian/internal/common/logger"
	mqttcommon "wisefido-guardian/internal/common/mqtt"
	rediscommon "wisefido-guardian/internal/common/redis"
	"wisefido-guardian/internal/config"
	"wisefido-guardian/internal/consumer"
	"wisefido-guardian/internal/evaluator"
	"wisefido-guardian/internal/models"
	"wisefido-guardian/internal/notify"
	"wisefido-guardian/internal/pipeline"
	"wisefido-guardian/internal/report"
	"wisefido-guardian/internal/repository"
	"wisefido-guardian/internal/store"
	"wisefido-guardian/internal/transcript"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Archiver 通话结束后的归档
type Archiver interface {
	Archive(ctx context.Context, record *models.CallRecord) (string, error)
}

// Components 服务组件（测试中可直接注入）
type Components struct {
	Store    *store.CallStore
	Runner   *pipeline.Runner
	Drivers  *consumer.DriverTracker
	Consumer *consumer.FragmentConsumer // nil 时不消费事件流
	Archive  Archiver                   // nil 时不归档
}

// GuardianService 通话守护服务
type GuardianService struct {
	config *config.Config
	logger *zap.Logger

	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqttcommon.Client

	store    *store.CallStore
	runner   *pipeline.Runner
	drivers  *consumer.DriverTracker
	consumer *consumer.FragmentConsumer
	archive  Archiver

	mu      sync.Mutex
	baseCtx context.Context // 周期驱动的生命周期
}

// NewGuardianService 连接基础设施并组装流水线
func NewGuardianService(cfg *config.Config, logger *zap.Logger) (*GuardianService, error) {
	ctx := context.Background()

	// 1. 数据库
	db, err := database.NewPostgresDB(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := repository.EnsureSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	// 2. Redis
	redisClient, err := rediscommon.Connect(ctx, &cfg.Redis)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	// 3. MQTT（失败时不发送家属告警）
	mqttClient, err := mqttcommon.NewClient(&cfg.MQTT, logger)
	if err != nil {
		logger.Warn("MQTT unavailable, family alerts disabled", zap.Error(err))
		mqttClient = nil
	}

	g := cfg.Guardian

	// 4. Repository
	scamRepo := repository.NewScamNumberRepository(db, logger)
	archiveRepo := repository.NewCallArchiveRepository(db, logger)

	// 5. 外部协作方
	var (
		analyzer  collaborator.TranscriptAnalyzer = collaborator.NewHeuristicAnalyzer()
		utterance collaborator.UtteranceGenerator = collaborator.TemplateGenerator{}
		speakers  *transcript.SpeakerResolver
	)
	if cfg.LLM.APIKey != "" {
		llm := collaborator.NewLLMClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model, g.CollaboratorTimeout, logger)
		analyzer = collaborator.NewLLMAnalyzer(llm)
		utterance = collaborator.NewLLMUtteranceGenerator(llm)
		speakers = transcript.NewSpeakerResolver(collaborator.NewLLMSpeakerClassifier(llm), g.SpeakerWindow, logger)
	} else {
		logger.Warn("LLM_API_KEY not set, using heuristic analyzer and template utterances")
	}

	reporter := notify.NewAuthorityReportPublisher(redisClient, g.Report.Stream, g.Report.Authority)
	dispatcher := notify.NewScamDispatcher(scamRepo, reporter, logger)

	var alerts collaborator.AlertSender
	if mqttClient != nil {
		alerts = notify.NewMQTTAlertSender(mqttClient, g.Alert.Topic, g.Alert.FamilyNumber, cfg.MQTT.QoS, logger)
	}

	// 6. 快照导出
	kv := store.NewRedisKVStore(redisClient)
	exporters := store.MultiExporter{store.NewRedisExporter(kv, g.Snapshot.KeyPrefix, g.Snapshot.TTL)}
	if g.Snapshot.Dir != "" {
		fileExporter, err := store.NewFileExporter(g.Snapshot.Dir)
		if err != nil {
			redisClient.Close()
			db.Close()
			return nil, err
		}
		exporters = append(exporters, fileExporter)
	}

	// 7. 流水线
	callStore := store.NewCallStore(exporters, g.TombstoneRetention, nil, logger)
	runner := pipeline.NewRunner(pipeline.Dependencies{
		Store:     callStore,
		Merger:    transcript.NewMerger(),
		Speakers:  speakers,
		Scheduler: evaluator.NewScheduler(g.AnalyzeInterval),
		Fusion:    evaluator.NewFusionEngine(scamRepo, analyzer, collaborator.NewHeuristicAnalyzer(), logger),
		Guard:     evaluator.NewSideEffectGuard(dispatcher, alerts, logger),
		Utterance: utterance,
		Status:    store.NewStatusPublisher(kv, g.Snapshot.KeyPrefix, time.Minute),
		Timeout:   g.CollaboratorTimeout,
	}, logger)

	svc := NewWithComponents(cfg, logger, Components{
		Store:   callStore,
		Runner:  runner,
		Drivers: consumer.NewDriverTracker(runner, callStore, g.ForcedInterval, logger),
		Archive: archiveRepo,
	})
	svc.db = db
	svc.redisClient = redisClient
	svc.mqttClient = mqttClient

	// 8. 事件消费者
	svc.consumer = consumer.NewFragmentConsumer(
		redisClient,
		svc,
		logger,
		g.Stream.Name,
		g.Stream.Group,
		g.Stream.Consumer,
		g.Stream.BatchSize,
		g.Stream.BlockTimeout,
	)
	svc.consumer.SetDeliveryPolicy(g.Stream.RetryInterval, g.Stream.MaxDeliveries, g.Stream.MaxInFlight)

	return svc, nil
}

// NewWithComponents 使用已组装的组件创建服务
func NewWithComponents(cfg *config.Config, logger *zap.Logger, c Components) *GuardianService {
	return &GuardianService{
		config:   cfg,
		logger:   logger,
		store:    c.Store,
		runner:   c.Runner,
		drivers:  c.Drivers,
		consumer: c.Consumer,
		archive:  c.Archive,
		baseCtx:  context.Background(),
	}
}

// Start 启动事件消费与定期清理，直到 ctx 取消
func (s *GuardianService) Start(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	s.logger.Info("Starting guardian service",
		zap.Duration("analyze_interval", s.config.Guardian.AnalyzeInterval),
		zap.Duration("forced_interval", s.config.Guardian.ForcedInterval),
	)

	g, gctx := errgroup.WithContext(ctx)
	if s.consumer != nil {
		g.Go(func() error {
			return s.consumer.Start(gctx)
		})
	}
	g.Go(func() error {
		s.housekeeping(gctx)
		return nil
	})
	return g.Wait()
}

// housekeeping 定期清理过期的结束标记
func (s *GuardianService) housekeeping(ctx context.Context) {
	interval := s.config.Guardian.TombstoneRetention / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.store.PruneTombstones(); n > 0 {
				s.logger.Debug("Pruned call tombstones", zap.Int("count", n))
			}
		}
	}
}

// Stop 停止周期驱动并释放连接
func (s *GuardianService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping guardian service",
		zap.Int("active_calls", len(s.store.CallIDs())),
	)

	s.drivers.StopAll()

	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("Failed to close redis client", zap.Error(err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("failed to close database: %w", err)
		}
	}
	return nil
}

// StartCall 通话开始：首次运行流水线（信誉查询）并启动周期驱动
func (s *GuardianService) StartCall(ctx context.Context, callID string, participants *models.Participants) error {
	if _, err := s.runner.Run(ctx, pipeline.RunRequest{
		CallID:       callID,
		Participants: participants,
		Trigger:      models.TriggerIncremental,
	}); err != nil {
		return err
	}

	s.drivers.StartCall(s.driverContext(), callID)
	logpkg.ForCall(s.logger, callID).Info("Call started")
	return nil
}

// HandleFragments 新片段到达，增量触发
func (s *GuardianService) HandleFragments(ctx context.Context, callID string, participants *models.Participants, frags []models.Fragment, trigger models.TriggerKind) error {
	if _, err := s.runner.Run(ctx, pipeline.RunRequest{
		CallID:       callID,
		Participants: participants,
		Fragments:    frags,
		Trigger:      trigger,
	}); err != nil {
		return err
	}

	// 未收到 call_started 的通话同样需要周期驱动
	s.drivers.StartCall(s.driverContext(), callID)
	return nil
}

// EndCall 通话结束：停止驱动，最终提交，归档并生成报告
func (s *GuardianService) EndCall(ctx context.Context, callID string) error {
	log := logpkg.ForCall(s.logger, callID)
	s.drivers.StopCall(callID)

	rec, err := s.runner.Finalize(ctx, callID)
	if err != nil {
		return err
	}

	if s.archive != nil {
		if id, err := s.archive.Archive(ctx, rec); err != nil {
			log.Error("Failed to archive call", zap.Error(err))
		} else {
			log.Info("Call archived", zap.String("archive_id", id))
		}
	}

	if dir := s.config.Guardian.ReportDir; dir != "" {
		if path, err := report.WriteCallReportFile(dir, rec); err != nil {
			log.Error("Failed to write call report", zap.Error(err))
		} else {
			log.Info("Call report written", zap.String("path", path))
		}
	}
	return nil
}

// Snapshot 最近一次提交的通话记录
func (s *GuardianService) Snapshot(callID string) (*models.CallRecord, bool) {
	return s.store.Get(callID)
}

func (s *GuardianService) driverContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}
