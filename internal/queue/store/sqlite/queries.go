package sqlite

import "fmt"

type queries struct {
	schema  []string
	check   string
	enqueue string
	claim   string
	ack     string
	release string
	extend  string
	exists  string
	sweep   string
	count   string
	purge   string
}

// Timestamps are unix milliseconds supplied by the store's clock.
func buildQueries(table, index string) queries {
	return queries{
		schema: []string{
			fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id            INTEGER PRIMARY KEY AUTOINCREMENT,
  queue         TEXT    NOT NULL,
  payload       BLOB    NOT NULL,
  enqueued_at   INTEGER NOT NULL,
  visible_at    INTEGER NOT NULL,
  claimed_token TEXT,
  attempts      INTEGER NOT NULL DEFAULT 0
)`, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (queue, visible_at)`, index, table),
		},

		check: fmt.Sprintf(`
SELECT id, queue, payload, enqueued_at, visible_at, claimed_token, attempts
FROM %s
LIMIT 0`, table),

		enqueue: fmt.Sprintf(`
INSERT INTO %s (queue, payload, enqueued_at, visible_at)
VALUES (?, ?, ?, ?)`, table),

		claim: fmt.Sprintf(`
UPDATE %[1]s
SET visible_at    = ?,
    claimed_token = ?,
    attempts      = attempts + 1
WHERE id IN (
  SELECT id
  FROM %[1]s
  WHERE queue = ?
    AND visible_at <= ?
  ORDER BY enqueued_at, id
  LIMIT ?
)
RETURNING id, queue, payload, enqueued_at, visible_at, claimed_token, attempts`, table),

		ack: fmt.Sprintf(`DELETE FROM %s WHERE id = ? AND claimed_token = ?`, table),

		release: fmt.Sprintf(`
UPDATE %s
SET claimed_token = NULL,
    visible_at    = ?
WHERE id = ? AND claimed_token = ?`, table),

		extend: fmt.Sprintf(`
UPDATE %s
SET visible_at = ?
WHERE id = ? AND claimed_token = ?`, table),

		exists: fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = ?)`, table),

		sweep: fmt.Sprintf(`
UPDATE %s
SET claimed_token = NULL
WHERE claimed_token IS NOT NULL
  AND visible_at <= ?`, table),

		count: fmt.Sprintf(`SELECT count(*) FROM %s WHERE queue = ?`, table),

		purge: fmt.Sprintf(`DELETE FROM %s WHERE queue = ?`, table),
	}
}
