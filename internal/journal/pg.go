// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package journal

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"

	"saga-platform/internal/saga"
	pkgerrors "saga-platform/pkg/errors"
)

// Pg Postgres 实现。Record 只做一次 saga_outbox 插入（执行热路径上便宜且无争用）；
// 事件的 per-execution 序号由 Flush 在事务内统一分配：
// FOR UPDATE SKIP LOCKED 让多个 worker 并发排水而不会重复编号。
type Pg struct {
	pool *pgxpool.Pool
}

// NewPg 连接 Postgres 并确保表结构存在。
func NewPg(ctx context.Context, dsn string) (*Pg, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "parse journal dsn")
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "connect journal")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, pkgerrors.Wrap(err, "ping journal")
	}
	j := &Pg{pool: pool}
	if err := j.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return j, nil
}

func (j *Pg) ensureSchema(ctx context.Context) error {
	_, err := j.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS saga_events (
			execution_id TEXT        NOT NULL,
			sequence     BIGINT      NOT NULL,
			event_type   TEXT        NOT NULL,
			payload      JSONB       NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (execution_id, sequence)
		);
		CREATE TABLE IF NOT EXISTS saga_outbox (
			id           BIGSERIAL   PRIMARY KEY,
			execution_id TEXT        NOT NULL,
			event_type   TEXT        NOT NULL,
			payload      JSONB       NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	return pkgerrors.Wrap(err, "ensure journal schema")
}

func (j *Pg) Record(ctx context.Context, ev saga.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return pkgerrors.Wrap(err, "marshal journal event")
	}
	_, err = j.pool.Exec(ctx,
		`INSERT INTO saga_outbox (execution_id, event_type, payload) VALUES ($1, $2, $3)`,
		ev.ExecutionID, string(ev.EventType), payload)
	return pkgerrors.Wrap(err, "append journal outbox")
}

// Flush 事务内取出至多 max 条暂存事件，按执行分配下一个序号写入 saga_events。
func (j *Pg) Flush(ctx context.Context, max int) (int, error) {
	if max <= 0 {
		max = 100
	}
	tx, err := j.pool.Begin(ctx)
	if err != nil {
		return 0, pkgerrors.Wrap(err, "begin journal flush")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id, execution_id, event_type, payload FROM saga_outbox
		 ORDER BY id LIMIT $1 FOR UPDATE SKIP LOCKED`, max)
	if err != nil {
		return 0, pkgerrors.Wrap(err, "select journal outbox")
	}
	type staged struct {
		id          int64
		executionID string
		eventType   string
		payload     []byte
	}
	var batch []staged
	for rows.Next() {
		var s staged
		if err := rows.Scan(&s.id, &s.executionID, &s.eventType, &s.payload); err != nil {
			rows.Close()
			return 0, pkgerrors.Wrap(err, "scan journal outbox")
		}
		batch = append(batch, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, pkgerrors.Wrap(err, "iterate journal outbox")
	}
	if len(batch) == 0 {
		return 0, nil
	}

	for _, s := range batch {
		_, err := tx.Exec(ctx,
			`INSERT INTO saga_events (execution_id, sequence, event_type, payload)
			 SELECT $1, COALESCE(MAX(sequence), 0) + 1, $2, $3
			 FROM saga_events WHERE execution_id = $1`,
			s.executionID, s.eventType, s.payload)
		if err != nil {
			return 0, pkgerrors.Wrap(err, "sequence journal event")
		}
		if _, err := tx.Exec(ctx, `DELETE FROM saga_outbox WHERE id = $1`, s.id); err != nil {
			return 0, pkgerrors.Wrap(err, "delete journal outbox")
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, pkgerrors.Wrap(err, "commit journal flush")
	}
	return len(batch), nil
}

func (j *Pg) History(ctx context.Context, executionID string, limit int) ([]saga.Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := j.pool.Query(ctx,
		`SELECT payload FROM saga_events WHERE execution_id = $1 ORDER BY sequence LIMIT $2`,
		executionID, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "query journal history")
	}
	defer rows.Close()

	var out []saga.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, pkgerrors.Wrap(err, "scan journal history")
		}
		var ev saga.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			continue // 坏行不阻断历史读取
		}
		out = append(out, ev)
	}
	return out, pkgerrors.Wrap(rows.Err(), "iterate journal history")
}

func (j *Pg) Close() { j.pool.Close() }
