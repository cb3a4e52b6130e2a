package mysql

import "fmt"

type queries struct {
	schema  string
	check   string
	enqueue string
	pick    string
	claim   string
	claimed string
	ack     string
	release string
	extend  string
	exists  string
	sweep   string
	count   string
	purge   string
}

const columns = `id, queue, payload, enqueued_at, visible_at, claimed_token, attempts`

// buildQueries renders the SQL templates for one table, which must already
// be a quoted identifier. UTC_TIMESTAMP(6) is the only clock, so every
// process sharing the table agrees on lease deadlines.
func buildQueries(table string) queries {
	return queries{
		// The (queue, enqueued_at) index also carries the primary key, so it
		// walks claims in (enqueued_at, id) order without a filesort.
		schema: fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id            BIGINT       NOT NULL AUTO_INCREMENT,
  queue         VARCHAR(255) NOT NULL,
  payload       LONGBLOB     NOT NULL,
  enqueued_at   DATETIME(6)  NOT NULL,
  visible_at    DATETIME(6)  NOT NULL,
  claimed_token CHAR(36)     NULL,
  attempts      INT          NOT NULL DEFAULT 0,
  PRIMARY KEY (id),
  KEY queue_enqueued_idx (queue, enqueued_at)
) ENGINE=InnoDB`, table),

		check: fmt.Sprintf(`SELECT %s FROM %s LIMIT 0`, columns, table),

		enqueue: fmt.Sprintf(`
INSERT INTO %s (queue, payload, enqueued_at, visible_at)
VALUES (?, ?, UTC_TIMESTAMP(6), DATE_ADD(UTC_TIMESTAMP(6), INTERVAL ? MICROSECOND))`, table),

		// Rows another claimer holds are skipped, not waited on.
		pick: fmt.Sprintf(`
SELECT id
FROM %s
WHERE queue = ?
  AND visible_at <= UTC_TIMESTAMP(6)
ORDER BY enqueued_at, id
LIMIT ?
FOR UPDATE SKIP LOCKED`, table),

		// Expanded with sqlx.In over the picked ids.
		claim: fmt.Sprintf(`
UPDATE %s
SET visible_at    = DATE_ADD(UTC_TIMESTAMP(6), INTERVAL ? MICROSECOND),
    claimed_token = ?,
    attempts      = attempts + 1
WHERE id IN (?)`, table),

		claimed: fmt.Sprintf(`
SELECT %s
FROM %s
WHERE claimed_token = ?
ORDER BY enqueued_at, id`, columns, table),

		ack: fmt.Sprintf(`DELETE FROM %s WHERE id = ? AND claimed_token = ?`, table),

		release: fmt.Sprintf(`
UPDATE %s
SET claimed_token = NULL,
    visible_at    = UTC_TIMESTAMP(6)
WHERE id = ? AND claimed_token = ?`, table),

		extend: fmt.Sprintf(`
UPDATE %s
SET visible_at = DATE_ADD(UTC_TIMESTAMP(6), INTERVAL ? MICROSECOND)
WHERE id = ? AND claimed_token = ?`, table),

		exists: fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = ?)`, table),

		sweep: fmt.Sprintf(`
UPDATE %s
SET claimed_token = NULL
WHERE claimed_token IS NOT NULL
  AND visible_at <= UTC_TIMESTAMP(6)`, table),

		count: fmt.Sprintf(`SELECT count(*) FROM %s WHERE queue = ?`, table),

		purge: fmt.Sprintf(`DELETE FROM %s WHERE queue = ?`, table),
	}
}
