package mqhandler

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	mqcontracts "milestonepay/contracts/mq"
	"milestonepay/internal/escrowerr"
	"milestonepay/internal/model"
	"milestonepay/pkg/logger"
	"milestonepay/pkg/util"
)

const (
	handlerRelease    = "release"
	defaultMaxRetries = 5 // 最大重投次数，超过后进 DLQ
)

type Releaser interface {
	Release(ctx context.Context, projectID string, pos int) (*model.Milestone, error)
}

type Deduper interface {
	AcquireOnce(ctx context.Context, handler string, id string) bool
	Forget(ctx context.Context, handler string, id string)
}

type RetryCounter interface {
	IncrementAndGet(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

// DLQPublisher is implemented by *mq.Publisher.
type DLQPublisher interface {
	PublishToDLQ(ctx context.Context, routingKey string, payload []byte, originalError string, failedAt string) error
}

// MilestoneApprovedHandler drives async releases from milestone.approved.
type MilestoneApprovedHandler struct {
	releaser     Releaser
	retryCounter RetryCounter
	deduper      Deduper
	dlq          DLQPublisher
	maxRetries   int64
	logger       *zap.Logger
}

func NewMilestoneApprovedHandler(
	releaser Releaser,
	retryCounter RetryCounter,
	deduper Deduper,
	dlq DLQPublisher,
	maxRetries int64,
	logger *zap.Logger,
) *MilestoneApprovedHandler {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &MilestoneApprovedHandler{
		releaser:     releaser,
		retryCounter: retryCounter,
		deduper:      deduper,
		dlq:          dlq,
		maxRetries:   maxRetries,
		logger:       logger,
	}
}

// Handle returns an error only when the release may still succeed on
// redelivery. Malformed messages and exhausted retries go to the DLQ.
func (h *MilestoneApprovedHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	log := logger.WithTrace(ctx, h.logger)

	var p mqcontracts.MilestonePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Error("Failed to unmarshal milestone approved payload (non-retryable, sending to DLQ)",
			zap.Error(err),
			zap.String("raw_payload", string(raw)),
		)
		h.deadLetter(ctx, log, raw, fmt.Errorf("json_unmarshal_error: %w", err))
		return nil
	}
	log = log.With(zap.String("project_id", p.ProjectID), zap.Int("position", p.Position))

	// 同一条 approved 事件可能被 outbox 重发；再次 approve 会带新的 occurred_at
	id := p.ProjectID + "/" + strconv.Itoa(p.Position) + "@" + strconv.FormatInt(p.OccurredAt.UnixNano(), 10)
	if !h.deduper.AcquireOnce(ctx, handlerRelease, id) {
		log.Info("Skipped duplicated milestone approved event")
		return nil
	}

	retryKey := util.FormatRetryKey(handlerRelease, id)
	retryCount, err := h.retryCounter.IncrementAndGet(ctx, retryKey)
	if err != nil {
		// Redis 错误不影响处理，继续执行
		log.Warn("Failed to get retry count, continuing anyway", zap.Error(err))
		retryCount = 1
	}

	m, err := h.releaser.Release(ctx, p.ProjectID, p.Position)
	if err == nil {
		h.resetRetries(ctx, log, retryKey)
		log.Info("Milestone released from approved event",
			zap.String("tx_hash", m.ReleaseTxHash),
			zap.Int64("retry_count", retryCount),
		)
		return nil
	}

	isRetryable, errType := util.IsRetryableError(err)
	if escrowerr.KindOf(err) == escrowerr.KindPersistence {
		isRetryable, errType = true, "persistence"
	}
	log = log.With(
		zap.String("error_type", errType),
		zap.Bool("retryable", isRetryable),
		zap.Int64("retry_count", retryCount),
		zap.Error(err),
	)

	if !isRetryable {
		// 终态失败已经由协调器落库（退回 submitted 或记录不一致），ack 掉
		log.Warn("Release refused, not retrying")
		h.resetRetries(ctx, log, retryKey)
		return nil
	}

	if !util.ShouldRetry(retryCount, h.maxRetries, isRetryable) {
		log.Error("Release retries exhausted, sending to DLQ; release sweeper keeps retrying")
		h.deadLetter(ctx, log, raw, err)
		h.resetRetries(ctx, log, retryKey)
		return nil
	}

	log.Warn("Release failed, message will be redelivered")
	h.deduper.Forget(ctx, handlerRelease, id)
	return err
}

func (h *MilestoneApprovedHandler) deadLetter(ctx context.Context, log *zap.Logger, raw []byte, cause error) {
	if h.dlq == nil {
		return
	}
	failedAt := time.Now().UTC().Format(time.RFC3339)
	if err := h.dlq.PublishToDLQ(ctx, mqcontracts.RoutingMilestoneApproved, raw, cause.Error(), failedAt); err != nil {
		log.Error("Failed to publish to DLQ", zap.Error(err))
	}
}

func (h *MilestoneApprovedHandler) resetRetries(ctx context.Context, log *zap.Logger, key string) {
	if err := h.retryCounter.Reset(ctx, key); err != nil {
		log.Warn("Failed to reset retry count", zap.Error(err))
	}
}
