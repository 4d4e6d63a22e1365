package outbox

import (
	"context"
	"fmt"
)

// ReplayService 将失败的 outbox 事件重新放回待发送队列，由 Dispatcher 投递
type ReplayService struct {
	repo *Repository
}

// NewReplayService 创建新的 ReplayService
func NewReplayService(repo *Repository) *ReplayService {
	return &ReplayService{repo: repo}
}

// ReplayFailedEvents 重放最近的失败事件，返回重置成功的数量
func (s *ReplayService) ReplayFailedEvents(ctx context.Context, limit int) (int, error) {
	events, err := s.repo.GetFailedEvents(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to get failed events: %w", err)
	}

	replayed := 0
	for _, event := range events {
		if err := s.repo.ResetForReplay(ctx, event.ID); err != nil {
			return replayed, err
		}
		replayed++
	}
	return replayed, nil
}

// ReplayEvent 重放单个事件（必须处于 failed 状态）
func (s *ReplayService) ReplayEvent(ctx context.Context, eventID int64) error {
	event, err := s.repo.GetEventByID(ctx, eventID)
	if err != nil {
		return err
	}
	if event.Status != "failed" {
		return fmt.Errorf("event %d is %s, only failed events can be replayed", eventID, event.Status)
	}
	return s.repo.ResetForReplay(ctx, eventID)
}
