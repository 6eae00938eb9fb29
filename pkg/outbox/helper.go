package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Draft 是尚未写入的 outbox 事件
type Draft struct {
	AggregateType string
	AggregateID   string
	RoutingKey    string
	Payload       any
}

// InsertDraftsInTx 把一组事件与业务写入放在同一个事务里，一次 batch 发送
func InsertDraftsInTx(ctx context.Context, tx pgx.Tx, drafts ...Draft) error {
	if len(drafts) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, d := range drafts {
		payload, err := json.Marshal(d.Payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", d.RoutingKey, err)
		}
		batch.Queue(insertEventSQL, d.AggregateType, d.AggregateID, d.RoutingKey, payload, StatusPending)
	}

	results := tx.SendBatch(ctx, batch)
	for _, d := range drafts {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("failed to insert outbox event %s: %w", d.RoutingKey, err)
		}
	}
	return results.Close()
}
