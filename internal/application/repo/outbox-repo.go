package repo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"tasks/internal/application/common"
	"tasks/internal/application/entity"
	"time"

	"github.com/jackc/pgx/v5"
)

var ErrOutboxNotFound = errors.New("outbox record not found")

func (r *RepoImpl) InsertOutbox(ctx context.Context, e *entity.OutboxRecord) error {
	r.logger.Debugf("[aggregate: %s] InsertOutbox started, type=%s", e.AggregateID, e.EventType)

	e.Payload = common.NormalizePayload(e.Payload)
	payload, err := common.EncodePayload(e.Payload)
	if err != nil {
		return fmt.Errorf("encode outbox payload: %w", err)
	}

	err = r.db.QueryRow(ctx, insertOutboxQuery,
		e.Stream, e.EventType, e.AggregateID, payload,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert outbox_event: %w", err)
	}

	return nil
}

func (r *RepoImpl) GetOutbox(ctx context.Context, id int64) (*entity.OutboxRecord, error) {
	var (
		e       entity.OutboxRecord
		payload []byte
	)
	err := r.db.QueryRow(ctx, getOutboxSQL, id).Scan(
		&e.ID, &e.Stream, &e.EventType, &e.AggregateID, &payload, &e.CreatedAt,
		&e.Published, &e.PublishedAt, &e.MessageID, &e.Attempts, &e.LastError, &e.ClaimedUntil,
	)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, ErrOutboxNotFound
	case err != nil:
		return nil, fmt.Errorf("get outbox_event: %w", err)
	}
	e.Payload, _ = common.DecodePayload(payload)
	return &e, nil
}

// ClaimPendingOutbox берёт в аренду до limit неопубликованных записей.
// Строки, заблокированные другим claim, пропускаются, строки с живой арендой не видны.
// Вызывать внутри транзакции.
func (r *RepoImpl) ClaimPendingOutbox(ctx context.Context, limit int, lease time.Duration) ([]entity.OutboxRecord, error) {
	r.logger.Debugf("[lease: %s, limit: %d] ClaimPendingOutbox started", lease, limit)

	rows, err := r.db.Query(ctx, claimBatchSQL, limit, lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("claim outbox batch: %w", err)
	}
	defer rows.Close()

	var res []entity.OutboxRecord
	for rows.Next() {
		var (
			e       entity.OutboxRecord
			payload []byte
		)
		if err := rows.Scan(
			&e.ID, &e.Stream, &e.EventType, &e.AggregateID,
			&payload, &e.CreatedAt, &e.Attempts, &e.ClaimedUntil,
		); err != nil {
			return nil, fmt.Errorf("scan claimed outbox: %w", err)
		}
		if e.Payload, err = common.DecodePayload(payload); err != nil {
			r.logger.Warnf("[ID %d] outbox payload is not valid JSON: %v", e.ID, err)
		}
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim rows err: %w", err)
	}

	// UPDATE ... RETURNING не гарантирует порядок
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})

	return res, nil
}

func (r *RepoImpl) MarkPublished(ctx context.Context, outboxID int64, messageID string) error {
	result, err := r.db.Exec(ctx, markPublishedSQL, outboxID, messageID)
	if err != nil {
		return fmt.Errorf("outbox mark published: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("[ID %d] %w", outboxID, ErrOutboxNotFound)
	}
	return nil
}

func (r *RepoImpl) ReleaseClaim(ctx context.Context, outboxID int64, cause string) error {
	_, err := r.db.Exec(ctx, releaseClaimSQL, outboxID, cause)
	if err != nil {
		return fmt.Errorf("outbox release claim: %w", err)
	}
	return nil
}

func (r *RepoImpl) UnclaimOutbox(ctx context.Context, outboxIDs []int64) error {
	if len(outboxIDs) == 0 {
		return nil
	}
	if _, err := r.db.Exec(ctx, unclaimSQL, outboxIDs); err != nil {
		return fmt.Errorf("outbox unclaim: %w", err)
	}
	return nil
}

func (r *RepoImpl) CountPendingOutbox(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRow(ctx, countPendingSQL).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending outbox: %w", err)
	}
	return n, nil
}

func (r *RepoImpl) DeletePublishedOutbox(ctx context.Context, days *int) (int64, error) {
	d := defaultRetentionDays
	if days != nil && *days > 0 {
		d = *days
	} else if days != nil && *days == 0 {
		r.logger.Warnf("outboxRetentionDays is 0, skipping cleanup")
		return 0, nil
	}

	r.logger.Infof("start deleting published outbox rows older than %d days", d)

	result, err := r.db.Exec(ctx, deletePublishedSQL, d)
	if err != nil {
		r.logger.Errorf("error deleting published outbox rows: %v", err)
		return 0, fmt.Errorf("error deleting published outbox rows: %w", err)
	}
	n := result.RowsAffected()
	r.logger.Infof("deleted %d published outbox rows (older than %d days)", n, d)
	return n, nil
}
