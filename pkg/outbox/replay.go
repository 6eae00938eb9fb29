package outbox

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// ReplayStore 重放所需的存储操作
type ReplayStore interface {
	GetFailedEvents(ctx context.Context, routingKey string, limit int) ([]*Event, error)
	GetEventByID(ctx context.Context, eventID int64) (*Event, error)
	MarkAsSent(ctx context.Context, eventID int64) error
	MarkAsFailed(ctx context.Context, eventID int64, maxRetries int) error
}

// ReplayService 把已放弃的 outbox 事件重新发到 MQ，供运维在下游恢复后使用
type ReplayService struct {
	repo       ReplayStore
	publisher  Publisher
	maxRetries int
	logger     *zap.Logger
}

func NewReplayService(repo ReplayStore, publisher Publisher, maxRetries int, logger *zap.Logger) *ReplayService {
	return &ReplayService{
		repo:       repo,
		publisher:  publisher,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// ReplayByID republishes one event regardless of its status.
func (s *ReplayService) ReplayByID(ctx context.Context, eventID int64) error {
	event, err := s.repo.GetEventByID(ctx, eventID)
	if err != nil {
		return err
	}
	if event.Status == StatusSent {
		s.logger.Warn("Replaying an event that was already sent",
			zap.Int64("event_id", event.ID),
			zap.String("routing_key", event.RoutingKey),
		)
	}
	return s.replay(ctx, event)
}

func (s *ReplayService) replay(ctx context.Context, event *Event) error {
	if err := publishEvent(ctx, s.publisher, event); err != nil {
		if markErr := s.repo.MarkAsFailed(ctx, event.ID, s.maxRetries); markErr != nil {
			return fmt.Errorf("failed to publish and mark as failed: %w (mark error: %v)", err, markErr)
		}
		return err
	}
	if err := s.repo.MarkAsSent(ctx, event.ID); err != nil {
		return fmt.Errorf("failed to mark as sent: %w", err)
	}
	return nil
}

// ReplayFailedEvents 重放失败事件（可按 routing key 过滤），返回成功数量
func (s *ReplayService) ReplayFailedEvents(ctx context.Context, routingKey string, limit int) (int, error) {
	events, err := s.repo.GetFailedEvents(ctx, routingKey, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to get failed events: %w", err)
	}

	succeeded := 0
	for _, event := range events {
		if err := s.replay(ctx, event); err != nil {
			s.logger.Warn("Replay failed",
				zap.Int64("event_id", event.ID),
				zap.String("routing_key", event.RoutingKey),
				zap.Error(err),
			)
			continue
		}
		succeeded++
	}

	s.logger.Info("Replayed failed outbox events",
		zap.String("routing_key", routingKey),
		zap.Int("total", len(events)),
		zap.Int("succeeded", succeeded),
	)
	return succeeded, nil
}
