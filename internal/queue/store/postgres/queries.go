package postgres

import "fmt"

type queries struct {
	schema  string
	check   string
	enqueue string
	claim   string
	ack     string
	release string
	extend  string
	sweep   string
	count   string
	purge   string
}

const sqlNotify = `SELECT pg_notify($1, $2);`

// buildQueries renders the SQL templates for one table. table and index must
// already be sanitized identifiers.
func buildQueries(table, index string) queries {
	return queries{
		schema: fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
  id            BIGSERIAL   PRIMARY KEY,
  queue         TEXT        NOT NULL,
  payload       BYTEA       NOT NULL,
  enqueued_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
  visible_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
  claimed_token TEXT,
  attempts      INTEGER     NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS %[2]s ON %[1]s (queue, visible_at);`, table, index),

		check: fmt.Sprintf(`
SELECT id, queue, payload, enqueued_at, visible_at, claimed_token, attempts
FROM %s
LIMIT 0;`, table),

		enqueue: fmt.Sprintf(`
INSERT INTO %s (queue, payload, enqueued_at, visible_at)
VALUES ($1, $2, now(), now() + $3::interval)
RETURNING id;`, table),

		// Single statement: pick -> lock (skipping rows other claimers hold) ->
		// update -> return. An expired lease has visible_at <= now(), so it is
		// eligible again without any sweeper involvement.
		claim: fmt.Sprintf(`
WITH picked AS (
  SELECT id
  FROM %[1]s
  WHERE queue = $1
    AND visible_at <= now()
  ORDER BY enqueued_at, id
  FOR UPDATE SKIP LOCKED
  LIMIT $2
)
UPDATE %[1]s m
SET visible_at    = now() + $3::interval,
    claimed_token = $4,
    attempts      = m.attempts + 1
FROM picked
WHERE m.id = picked.id
RETURNING m.id, m.queue, m.payload, m.enqueued_at, m.visible_at, m.claimed_token, m.attempts;`, table),

		ack: fmt.Sprintf(`
WITH target AS (
  SELECT id FROM %[1]s WHERE id = $1
),
changed AS (
  DELETE FROM %[1]s
  WHERE id = $1 AND claimed_token = $2
  RETURNING id
)
SELECT EXISTS (SELECT 1 FROM target), EXISTS (SELECT 1 FROM changed);`, table),

		release: fmt.Sprintf(`
WITH target AS (
  SELECT id FROM %[1]s WHERE id = $1
),
changed AS (
  UPDATE %[1]s
  SET claimed_token = NULL,
      visible_at    = now()
  WHERE id = $1 AND claimed_token = $2
  RETURNING id
)
SELECT EXISTS (SELECT 1 FROM target), EXISTS (SELECT 1 FROM changed);`, table),

		extend: fmt.Sprintf(`
WITH target AS (
  SELECT id FROM %[1]s WHERE id = $1
),
changed AS (
  UPDATE %[1]s
  SET visible_at = now() + $3::interval
  WHERE id = $1 AND claimed_token = $2
  RETURNING id
)
SELECT EXISTS (SELECT 1 FROM target), EXISTS (SELECT 1 FROM changed);`, table),

		sweep: fmt.Sprintf(`
WITH expired AS (
  SELECT id
  FROM %[1]s
  WHERE claimed_token IS NOT NULL
    AND visible_at <= now()
  FOR UPDATE SKIP LOCKED
)
UPDATE %[1]s m
SET claimed_token = NULL
FROM expired
WHERE m.id = expired.id;`, table),

		count: fmt.Sprintf(`SELECT count(*) FROM %s WHERE queue = $1;`, table),

		purge: fmt.Sprintf(`DELETE FROM %s WHERE queue = $1;`, table),
	}
}
