package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"bottle-rewards-api/internal/apperr"
	"bottle-rewards-api/internal/cache"
	"bottle-rewards-api/internal/database"
	"bottle-rewards-api/internal/events"
	"bottle-rewards-api/internal/features"
	"bottle-rewards-api/internal/logger"
	"bottle-rewards-api/internal/metrics"
	"bottle-rewards-api/internal/models"
	"bottle-rewards-api/internal/tracing"
	"bottle-rewards-api/internal/validation"
)

const (
	defaultStoreTimeout = 5 * time.Second
	defaultCacheTTL     = 30 * time.Second
)

// Service provides business logic for the bottle rewards API.
type Service struct {
	db        *database.DB
	ledger    *Ledger
	engine    *RedemptionEngine
	scheduler *Scheduler
	recorder  *DisposalRecorder
	bot       *BotSettings

	cache    cache.Cache
	cacheTTL time.Duration
	flags    *features.Manager
	events   *events.Manager
	tracer   *tracing.Tracer
	timeout  time.Duration
	now      func() time.Time
}

// Options holds the optional collaborators of a Service.
type Options struct {
	Cache        cache.Cache // nil disables read-model caching
	CacheTTL     time.Duration
	Features     *features.Manager
	Events       *events.Manager
	Tracer       *tracing.Tracer
	StoreTimeout time.Duration
	Now          func() time.Time
	BotDefaults  models.BotConfig
}

// NewService creates a new service instance with default options.
func NewService(db *database.DB) *Service {
	return NewServiceWithOptions(db, Options{})
}

// NewServiceWithOptions creates a new service instance.
func NewServiceWithOptions(db *database.DB, opts Options) *Service {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Tracer == nil {
		opts.Tracer = tracing.Noop()
	}
	if opts.Events == nil {
		opts.Events = events.NewManager(false)
	}
	if opts.Features == nil {
		opts.Features = features.NewDefaultManager(nil)
	}

	ledger := NewLedger(db)
	bot := NewBotSettings(db, mergeBotDefaults(opts.BotDefaults))

	return &Service{
		db:        db,
		ledger:    ledger,
		engine:    NewRedemptionEngine(db, db, ledger, uuid.NewString),
		scheduler: NewScheduler(db, db, uuid.NewString),
		recorder:  NewDisposalRecorder(db, db, bot, uuid.NewString),
		bot:       bot,
		cache:     opts.Cache,
		cacheTTL:  opts.CacheTTL,
		flags:     opts.Features,
		events:    opts.Events,
		tracer:    opts.Tracer,
		timeout:   opts.StoreTimeout,
		now:       opts.Now,
	}
}

func mergeBotDefaults(cfg models.BotConfig) models.BotConfig {
	def := DefaultBotConfig()
	if cfg.DefaultLocation.Name == "" {
		cfg.DefaultLocation = def.DefaultLocation
	}
	if cfg.BottleExchange.BaseWeight <= 0 {
		cfg.BottleExchange.BaseWeight = def.BottleExchange.BaseWeight
	}
	if cfg.BottleExchange.BaseUnit == "" {
		cfg.BottleExchange.BaseUnit = def.BottleExchange.BaseUnit
	}
	if cfg.BottleExchange.EquivalentInPoints < 1 {
		cfg.BottleExchange.EquivalentInPoints = def.BottleExchange.EquivalentInPoints
	}
	return cfg
}

// begin opens a span and bounds the operation by the store timeout. The
// returned func must be called with the operation's final error.
func (s *Service) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := s.tracer.StartSpan(ctx, "service."+op, attrs...)
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	return ctx, func(err error) {
		cancel()
		tracing.EndSpan(span, err)
	}
}

// Ping checks the store.
func (s *Service) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.db.Ping(ctx)
}

// UpsertUser creates or updates a user profile.
func (s *Service) UpsertUser(ctx context.Context, user models.User) (models.User, error) {
	user.FirstName = validation.SanitizeString(user.FirstName)
	user.LastName = validation.SanitizeString(user.LastName)
	user.Email = validation.SanitizeString(user.Email)
	if user.Level == "" {
		user.Level = models.LevelCitizen
	}
	if err := validation.ValidateUser(user); err != nil {
		return models.User{}, err
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now().UTC()
	}

	ctx, end := s.begin(ctx, "UpsertUser", attribute.String("user.id", user.ID))
	err := s.db.UpsertUser(ctx, user)
	end(err)
	if err != nil {
		return models.User{}, err
	}

	return user, nil
}

// UpsertReward creates or updates a catalog reward. A missing id is assigned.
func (s *Service) UpsertReward(ctx context.Context, reward models.Reward) (models.Reward, error) {
	if reward.ID == "" {
		reward.ID = uuid.NewString()
	}
	reward.Name = validation.SanitizeString(reward.Name)
	reward.Description = validation.SanitizeString(reward.Description)
	if reward.Status == "" {
		reward.Status = models.RewardActive
	}
	if err := validation.ValidateReward(reward); err != nil {
		return models.Reward{}, err
	}

	ctx, end := s.begin(ctx, "UpsertReward", attribute.String("reward.id", reward.ID))
	err := s.db.UpsertReward(ctx, reward)
	end(err)
	if err != nil {
		return models.Reward{}, err
	}

	return reward, nil
}

// GetReward returns a non-archived reward.
func (s *Service) GetReward(ctx context.Context, rewardID string) (models.Reward, error) {
	if err := validation.ValidateUUID(rewardID, "reward_id"); err != nil {
		return models.Reward{}, err
	}

	ctx, end := s.begin(ctx, "GetReward", attribute.String("reward.id", rewardID))
	reward, err := s.db.GetReward(ctx, rewardID)
	end(err)
	return reward, err
}

// AvailablePoints returns the spendable balance of a user. The value may be
// served from the read-model cache; claims always recompute it.
func (s *Service) AvailablePoints(ctx context.Context, userID string) (_ models.PointsResponse, err error) {
	if err := validation.ValidateUUID(userID, "user_id"); err != nil {
		return models.PointsResponse{}, err
	}

	ctx, end := s.begin(ctx, "AvailablePoints", attribute.String("user.id", userID))
	defer func() { end(err) }()

	useCache := s.cache != nil && s.flags.IsEnabled(features.FeatureBalanceCache)
	key := cache.BalanceKey(userID)

	if useCache {
		var points int64
		if err := cache.GetJSON(ctx, s.cache, key, &points); err == nil {
			return models.PointsResponse{UserID: userID, AvailablePoints: points}, nil
		} else if !errors.Is(err, cache.ErrNotFound) {
			logger.FromContext(ctx).Warn("balance cache read failed", zap.String("user_id", userID), zap.Error(err))
		}
	}

	points, err := s.ledger.AvailablePoints(ctx, userID)
	if err != nil {
		return models.PointsResponse{}, err
	}

	if useCache {
		if err := cache.SetJSON(ctx, s.cache, key, points, s.cacheTTL); err != nil {
			logger.FromContext(ctx).Warn("balance cache write failed", zap.String("user_id", userID), zap.Error(err))
		}
	}

	return models.PointsResponse{UserID: userID, AvailablePoints: points}, nil
}

// BottleCount returns the bottles a user has deposited.
func (s *Service) BottleCount(ctx context.Context, userID string) (models.BottleCountResponse, error) {
	if err := validation.ValidateUUID(userID, "user_id"); err != nil {
		return models.BottleCountResponse{}, err
	}

	ctx, end := s.begin(ctx, "BottleCount", attribute.String("user.id", userID))
	count, err := s.db.SumBottleCount(ctx, userID)
	end(err)
	if err != nil {
		return models.BottleCountResponse{}, err
	}

	return models.BottleCountResponse{UserID: userID, BottleCount: count}, nil
}

// ClaimReward redeems a reward for a user.
func (s *Service) ClaimReward(ctx context.Context, req models.ClaimRequest) (_ models.ClaimResponse, err error) {
	if err := validation.ValidateClaimRequest(req); err != nil {
		return models.ClaimResponse{}, err
	}

	ctx, end := s.begin(ctx, "ClaimReward",
		attribute.String("user.id", req.UserID),
		attribute.String("reward.id", req.RewardID),
	)
	defer func() { end(err) }()

	log := logger.FromContext(ctx).With(zap.String("user_id", req.UserID), zap.String("reward_id", req.RewardID))

	result, err := s.engine.Claim(ctx, req.UserID, req.RewardID, s.now())
	if err != nil {
		metrics.RecordClaim(claimOutcome(err))
		switch apperr.KindOf(err) {
		case apperr.KindBusinessRejection, apperr.KindNotFound, apperr.KindValidation:
			log.Info("claim rejected", zap.Error(err))
		case apperr.KindConflict:
			log.Warn("claim lost a race", zap.Error(err))
		default:
			log.Error("claim failed", zap.Error(err))
		}
		return models.ClaimResponse{}, err
	}

	metrics.RecordClaim("committed")
	s.invalidate(ctx, cache.BalanceKey(req.UserID))
	s.events.PublishClaimCommitted(ctx, result.Claim, result.RemainingStock)

	log.Info("reward claimed",
		zap.String("claim_id", result.Claim.ID),
		zap.Int64("points_spent", result.Claim.PointsSpent),
		zap.Int64("remaining_stock", result.RemainingStock),
	)

	return models.ClaimResponse{
		ClaimID:        result.Claim.ID,
		PointsSpent:    result.Claim.PointsSpent,
		RemainingStock: result.RemainingStock,
	}, nil
}

func claimOutcome(err error) string {
	if reason := apperr.ReasonOf(err); reason != "" {
		return string(reason)
	}
	return string(apperr.KindOf(err))
}

// ArchiveClaim archives a claim, returning its points to the user.
func (s *Service) ArchiveClaim(ctx context.Context, claimID string) (err error) {
	if err := validation.ValidateUUID(claimID, "claim_id"); err != nil {
		return err
	}

	ctx, end := s.begin(ctx, "ArchiveClaim", attribute.String("claim.id", claimID))
	defer func() { end(err) }()

	userID, err := s.db.ArchiveClaim(ctx, claimID)
	if err != nil {
		return err
	}

	s.invalidate(ctx, cache.BalanceKey(userID))
	s.events.PublishClaimArchived(ctx, models.RewardClaim{ID: claimID, UserID: userID, Archived: true})
	return nil
}

// ClaimHistory lists a user's claims, newest first.
func (s *Service) ClaimHistory(ctx context.Context, userID string, includeArchived bool) ([]models.RewardClaim, error) {
	if err := validation.ValidateUUID(userID, "user_id"); err != nil {
		return nil, err
	}

	ctx, end := s.begin(ctx, "ClaimHistory", attribute.String("user.id", userID))
	claims, err := s.db.ListClaims(ctx, userID, includeArchived)
	end(err)
	return claims, err
}

// RecordDisposal records a bottle deposit and credits its points.
func (s *Service) RecordDisposal(ctx context.Context, req models.DisposalRequest) (_ models.DisposalResponse, err error) {
	if err := validation.ValidateDisposalRequest(req); err != nil {
		return models.DisposalResponse{}, err
	}

	ctx, end := s.begin(ctx, "RecordDisposal", attribute.String("user.id", req.UserID))
	defer func() { end(err) }()

	event, err := s.recorder.Record(ctx, req.UserID, req.BottleCount, s.now())
	if err != nil {
		return models.DisposalResponse{}, err
	}

	metrics.RecordDisposal(event.BottleCount, event.PointsAccumulated)
	s.invalidate(ctx, cache.BalanceKey(req.UserID))
	s.events.PublishDisposalRecorded(ctx, event)

	logger.FromContext(ctx).Info("disposal recorded",
		zap.String("disposal_id", event.ID),
		zap.String("user_id", event.UserID),
		zap.Int64("bottle_count", event.BottleCount),
		zap.Int64("points", event.PointsAccumulated),
	)

	return models.DisposalResponse{
		DisposalID:        event.ID,
		PointsAccumulated: event.PointsAccumulated,
	}, nil
}

// ArchiveDisposal archives a disposal, removing its points from the ledger.
func (s *Service) ArchiveDisposal(ctx context.Context, disposalID string) (err error) {
	if err := validation.ValidateUUID(disposalID, "disposal_id"); err != nil {
		return err
	}

	ctx, end := s.begin(ctx, "ArchiveDisposal", attribute.String("disposal.id", disposalID))
	defer func() { end(err) }()

	userID, err := s.db.ArchiveDisposal(ctx, disposalID)
	if err != nil {
		return err
	}

	s.invalidate(ctx, cache.BalanceKey(userID))
	s.events.PublishDisposalArchived(ctx, models.DisposalEvent{ID: disposalID, UserID: userID, Archived: true})
	return nil
}

// DisposalHistory lists a user's deposits, newest first.
func (s *Service) DisposalHistory(ctx context.Context, userID string, includeArchived bool) ([]models.DisposalEvent, error) {
	if err := validation.ValidateUUID(userID, "user_id"); err != nil {
		return nil, err
	}

	ctx, end := s.begin(ctx, "DisposalHistory", attribute.String("user.id", userID))
	disposals, err := s.db.ListDisposals(ctx, userID, includeArchived)
	end(err)
	return disposals, err
}

// Enqueue queues a bot visit. With ReturnToDefault set the queue is reset
// and the bot is sent to its default location instead.
func (s *Service) Enqueue(ctx context.Context, req models.EnqueueRequest) (_ models.QueueSnapshot, err error) {
	if req.ReturnToDefault {
		return s.ResetQueue(ctx)
	}

	req.Location.Name = validation.SanitizeString(req.Location.Name)
	if err := validation.ValidateEnqueueRequest(req); err != nil {
		return models.QueueSnapshot{}, err
	}

	ctx, end := s.begin(ctx, "Enqueue", attribute.String("user.id", req.UserID))
	defer func() { end(err) }()

	snapshot, err := s.scheduler.Enqueue(ctx, req.UserID, req.Location, s.now())
	if err != nil {
		return models.QueueSnapshot{}, err
	}

	s.queueChanged(ctx, snapshot)
	return snapshot, nil
}

// ResetQueue clears the queue and sends the bot to its default location on
// behalf of the administrative user.
func (s *Service) ResetQueue(ctx context.Context) (_ models.QueueSnapshot, err error) {
	ctx, end := s.begin(ctx, "ResetQueue")
	defer func() { end(err) }()

	cfg, err := s.bot.Current(ctx)
	if err != nil {
		return models.QueueSnapshot{}, err
	}

	snapshot, err := s.scheduler.Reset(ctx, cfg.DefaultLocation, s.now())
	if err != nil {
		return models.QueueSnapshot{}, err
	}

	logger.FromContext(ctx).Info("queue reset", zap.String("location", cfg.DefaultLocation.Name))
	s.queueChanged(ctx, snapshot)
	return snapshot, nil
}

// Dequeue removes a queue entry.
func (s *Service) Dequeue(ctx context.Context, entryID string) (_ models.QueueSnapshot, err error) {
	if err := validation.ValidateUUID(entryID, "entry_id"); err != nil {
		return models.QueueSnapshot{}, err
	}

	ctx, end := s.begin(ctx, "Dequeue", attribute.String("queue.entry_id", entryID))
	defer func() { end(err) }()

	snapshot, err := s.scheduler.Dequeue(ctx, entryID)
	if err != nil {
		return models.QueueSnapshot{}, err
	}

	s.queueChanged(ctx, snapshot)
	return snapshot, nil
}

// CompleteQueueEntry finishes the in-progress entry.
func (s *Service) CompleteQueueEntry(ctx context.Context, entryID string) (_ models.QueueSnapshot, err error) {
	if err := validation.ValidateUUID(entryID, "entry_id"); err != nil {
		return models.QueueSnapshot{}, err
	}

	ctx, end := s.begin(ctx, "CompleteQueueEntry", attribute.String("queue.entry_id", entryID))
	defer func() { end(err) }()

	snapshot, err := s.scheduler.Complete(ctx, entryID)
	if err != nil {
		return models.QueueSnapshot{}, err
	}

	s.queueChanged(ctx, snapshot)
	return snapshot, nil
}

// QueueSnapshot returns the current queue ordering.
func (s *Service) QueueSnapshot(ctx context.Context) (_ models.QueueSnapshot, err error) {
	ctx, end := s.begin(ctx, "QueueSnapshot")
	defer func() { end(err) }()

	useCache := s.cache != nil && s.flags.IsEnabled(features.FeatureQueueSnapshotCache)
	if useCache {
		var snapshot models.QueueSnapshot
		if err := cache.GetJSON(ctx, s.cache, cache.QueueSnapshotKey(), &snapshot); err == nil {
			return snapshot, nil
		} else if !errors.Is(err, cache.ErrNotFound) {
			logger.FromContext(ctx).Warn("queue cache read failed", zap.Error(err))
		}
	}

	snapshot, err := s.scheduler.Snapshot(ctx)
	if err != nil {
		return models.QueueSnapshot{}, err
	}

	if useCache {
		if err := cache.SetJSON(ctx, s.cache, cache.QueueSnapshotKey(), snapshot, s.cacheTTL); err != nil {
			logger.FromContext(ctx).Warn("queue cache write failed", zap.Error(err))
		}
	}
	return snapshot, nil
}

// QueueByStatus returns the entries in one status.
func (s *Service) QueueByStatus(ctx context.Context, status models.QueueStatus) ([]models.QueueEntry, error) {
	switch status {
	case models.QueuePending, models.QueueInProgress, models.QueueCompleted:
	default:
		return nil, &validation.ValidationError{Field: "status", Message: "must be pending, in_progress or completed"}
	}

	ctx, end := s.begin(ctx, "QueueByStatus", attribute.String("queue.status", string(status)))
	entries, err := s.scheduler.ByStatus(ctx, status)
	end(err)
	return entries, err
}

func (s *Service) queueChanged(ctx context.Context, snapshot models.QueueSnapshot) {
	s.invalidate(ctx, cache.QueueSnapshotKey())

	pending := 0
	inProgress := 0
	for _, e := range snapshot.Entries {
		switch e.Status {
		case models.QueuePending:
			pending++
		case models.QueueInProgress:
			inProgress++
		}
	}
	metrics.SetQueueDepth(pending, inProgress)

	s.events.PublishQueueChanged(ctx, snapshot)
}

// GetBotConfig returns the bot configuration.
func (s *Service) GetBotConfig(ctx context.Context) (models.BotConfig, error) {
	ctx, end := s.begin(ctx, "GetBotConfig")
	cfg, err := s.bot.Current(ctx)
	end(err)
	return cfg, err
}

// SaveBotConfig replaces the bot configuration.
func (s *Service) SaveBotConfig(ctx context.Context, cfg models.BotConfig) (models.BotConfig, error) {
	cfg.DefaultLocation.Name = validation.SanitizeString(cfg.DefaultLocation.Name)
	if err := validation.ValidateBotConfig(cfg); err != nil {
		return models.BotConfig{}, err
	}

	ctx, end := s.begin(ctx, "SaveBotConfig")
	saved, err := s.bot.Save(ctx, cfg, s.now())
	end(err)
	if err != nil {
		return models.BotConfig{}, err
	}

	logger.FromContext(ctx).Info("bot config saved",
		zap.String("location", saved.DefaultLocation.Name),
		zap.Int64("equivalent_in_points", saved.BottleExchange.EquivalentInPoints),
	)
	return saved, nil
}

// PointsForWeight prices a bottle weight with the current exchange rate.
func (s *Service) PointsForWeight(ctx context.Context, weight float64) (models.WeightPointsResponse, error) {
	if weight < 0 {
		return models.WeightPointsResponse{}, &validation.ValidationError{Field: "weight", Message: "must be non-negative"}
	}

	ctx, end := s.begin(ctx, "PointsForWeight")
	cfg, err := s.bot.Current(ctx)
	end(err)
	if err != nil {
		return models.WeightPointsResponse{}, err
	}

	return models.WeightPointsResponse{
		Weight: weight,
		Points: PointsForWeight(cfg.BottleExchange, weight),
	}, nil
}

// ReportBotState forwards a telemetry document from the bot to viewers.
func (s *Service) ReportBotState(ctx context.Context, payload json.RawMessage) error {
	if len(payload) == 0 || !json.Valid(payload) {
		return apperr.Validation("telemetry payload must be a JSON document")
	}
	s.events.PublishBotTelemetry(ctx, payload)
	return nil
}

// invalidate drops cached read models. Failures leave entries to expire.
func (s *Service) invalidate(ctx context.Context, keys ...string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, keys...); err != nil {
		logger.FromContext(ctx).Warn("cache invalidation failed",
			zap.Strings("keys", keys),
			zap.Error(err),
		)
	}
}
