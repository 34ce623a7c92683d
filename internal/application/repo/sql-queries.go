package repo

// TASKS
const insertTask = `INSERT INTO tasks (
                    id, name, payload, state, attempts, last_error, created_at, updated_at)
VALUES ($1, $2, ($3)::jsonb, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO NOTHING
RETURNING id;`

const upsertTask = `INSERT INTO tasks (
                    id, name, payload, state, attempts, last_error, created_at, updated_at)
VALUES ($1, $2, ($3)::jsonb, $4, $5, $6, now(), now())
ON CONFLICT (id) DO UPDATE SET
    name       = EXCLUDED.name,
    payload    = EXCLUDED.payload,
    state      = EXCLUDED.state,
    attempts   = EXCLUDED.attempts,
    last_error = EXCLUDED.last_error,
    updated_at = now()
RETURNING created_at, updated_at;`

const getTask = `SELECT id, name, payload, state, attempts, last_error, created_at, updated_at
FROM tasks WHERE id = $1`

// OUTBOX
const insertOutboxQuery = `
INSERT INTO outbox_events (
  stream, event_type, aggregate_id, payload, created_at, published, attempts
) VALUES ($1, $2, $3, ($4)::jsonb, now(), false, 0)
RETURNING id, created_at
`

const claimBatchSQL = `
WITH picked AS (
	SELECT id
	FROM outbox_events
	WHERE published = false
		AND (claimed_until IS NULL OR claimed_until <= now())
	ORDER BY created_at, id
	LIMIT $1
	FOR UPDATE SKIP LOCKED
)
UPDATE outbox_events AS o
SET claimed_until = now() + make_interval(secs => $2)
FROM picked
WHERE o.id = picked.id
RETURNING o.id, o.stream, o.event_type, o.aggregate_id, o.payload, o.created_at, o.attempts, o.claimed_until;
`

const markPublishedSQL = `
UPDATE outbox_events
SET published = true, published_at = now(), message_id = $2, claimed_until = NULL
WHERE id = $1`

const releaseClaimSQL = `
UPDATE outbox_events
SET attempts = attempts + 1, last_error = $2, claimed_until = NULL
WHERE id = $1 AND published = false`

// снимает аренду без учёта попытки
const unclaimSQL = `
UPDATE outbox_events
SET claimed_until = NULL
WHERE id = ANY($1) AND published = false`

const countPendingSQL = `SELECT count(*) FROM outbox_events WHERE published = false`

const deletePublishedSQL = `DELETE FROM outbox_events
WHERE published = true AND published_at < now() - make_interval(days => $1)`

const getOutboxSQL = `SELECT id, stream, event_type, aggregate_id, payload, created_at,
       published, published_at, message_id, attempts, last_error, claimed_until
FROM outbox_events WHERE id = $1`
