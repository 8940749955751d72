package journal

import "time"

// Share verdicts.
const (
	StatusPending  = "pending"
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
)

// Share is one row of bridge_shares
type Share struct {
	ID          int64      `db:"id"`
	SubmitID    int64      `db:"submit_id"`
	Session     int64      `db:"session"`
	JobID       string     `db:"job_id"`
	Worker      string     `db:"worker"`
	ExtraNonce2 string     `db:"extra_nonce2"`
	Ntime       string     `db:"ntime"`
	Nonce       string     `db:"nonce"`
	Hash        string     `db:"hash"`
	Difficulty  float64    `db:"difficulty"`
	Placeholder bool       `db:"placeholder"`
	Status      string     `db:"status"`
	Reason      string     `db:"reason"`
	SubmittedAt time.Time  `db:"submitted_at"`
	AnsweredAt  *time.Time `db:"answered_at"`
}

var schemas = map[string]string{
	DriverPostgres: `
		CREATE TABLE IF NOT EXISTS bridge_shares (
			id            BIGSERIAL PRIMARY KEY,
			submit_id     BIGINT NOT NULL,
			session       BIGINT NOT NULL,
			job_id        TEXT NOT NULL,
			worker        TEXT NOT NULL,
			extra_nonce2  TEXT NOT NULL,
			ntime         TEXT NOT NULL,
			nonce         TEXT NOT NULL,
			hash          TEXT NOT NULL DEFAULT '',
			difficulty    DOUBLE PRECISION NOT NULL,
			placeholder   BOOLEAN NOT NULL DEFAULT FALSE,
			status        TEXT NOT NULL DEFAULT 'pending',
			reason        TEXT NOT NULL DEFAULT '',
			submitted_at  TIMESTAMPTZ NOT NULL,
			answered_at   TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS bridge_shares_submit_id ON bridge_shares (submit_id);`,
	DriverSQLite: `
		CREATE TABLE IF NOT EXISTS bridge_shares (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			submit_id     INTEGER NOT NULL,
			session       INTEGER NOT NULL,
			job_id        TEXT NOT NULL,
			worker        TEXT NOT NULL,
			extra_nonce2  TEXT NOT NULL,
			ntime         TEXT NOT NULL,
			nonce         TEXT NOT NULL,
			hash          TEXT NOT NULL DEFAULT '',
			difficulty    REAL NOT NULL,
			placeholder   BOOLEAN NOT NULL DEFAULT FALSE,
			status        TEXT NOT NULL DEFAULT 'pending',
			reason        TEXT NOT NULL DEFAULT '',
			submitted_at  TIMESTAMP NOT NULL,
			answered_at   TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS bridge_shares_submit_id ON bridge_shares (submit_id);`,
}
