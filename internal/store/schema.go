package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"

	"github.com/ibeckermayer/replyweave/internal/normalize"
	"github.com/ibeckermayer/replyweave/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS tweets (
	id TEXT PRIMARY KEY,
	conversation_id TEXT,
	author_name TEXT,
	created_at TEXT,
	created_at_epoch INTEGER NOT NULL DEFAULT 0,
	is_reply INTEGER NOT NULL DEFAULT 0,
	is_target_reply INTEGER NOT NULL DEFAULT 0,
	parent_id TEXT,
	payload TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS checkpoints (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const indexes = `
CREATE INDEX IF NOT EXISTS idx_tweets_conversation ON tweets(conversation_id);
CREATE INDEX IF NOT EXISTS idx_tweets_epoch ON tweets(created_at_epoch);
CREATE INDEX IF NOT EXISTS idx_tweets_target ON tweets(is_target_reply, conversation_id);
`

// derivedColumns are the indexing columns older databases may lack, with
// the DDL that adds each one.
var derivedColumns = []struct {
	name string
	ddl  string
}{
	{"conversation_id", `ALTER TABLE tweets ADD COLUMN conversation_id TEXT`},
	{"author_name", `ALTER TABLE tweets ADD COLUMN author_name TEXT`},
	{"created_at", `ALTER TABLE tweets ADD COLUMN created_at TEXT`},
	{"created_at_epoch", `ALTER TABLE tweets ADD COLUMN created_at_epoch INTEGER NOT NULL DEFAULT 0`},
	{"is_reply", `ALTER TABLE tweets ADD COLUMN is_reply INTEGER NOT NULL DEFAULT 0`},
	{"is_target_reply", `ALTER TABLE tweets ADD COLUMN is_target_reply INTEGER NOT NULL DEFAULT 0`},
	{"parent_id", `ALTER TABLE tweets ADD COLUMN parent_id TEXT`},
}

// migrate creates the schema, or upgrades a database written by an older
// version (tweets stored under a `json` column with `author_username` and no
// epoch/target/parent columns). The upgrade runs in a single transaction.
func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "store: migrate: begin tx")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "store: migrate")
	}

	cols, err := tableColumns(ctx, tx, "tweets")
	if err != nil {
		return errors.Wrap(err, "store: migrate: table columns")
	}

	backfill := false
	if cols["json"] && !cols["payload"] {
		if _, err := tx.ExecContext(ctx, `ALTER TABLE tweets RENAME COLUMN json TO payload`); err != nil {
			return errors.Wrap(err, "store: migrate: rename json column")
		}
		cols["payload"] = true
		backfill = true
	}
	if cols["author_username"] && !cols["author_name"] {
		if _, err := tx.ExecContext(ctx, `ALTER TABLE tweets RENAME COLUMN author_username TO author_name`); err != nil {
			return errors.Wrap(err, "store: migrate: rename author column")
		}
		cols["author_name"] = true
	}
	for _, c := range derivedColumns {
		if cols[c.name] {
			continue
		}
		if _, err := tx.ExecContext(ctx, c.ddl); err != nil {
			return errors.Wrapf(err, "store: migrate: add column %s", c.name)
		}
		backfill = true
	}

	if backfill {
		n, err := s.backfill(ctx, tx)
		if err != nil {
			return err
		}
		s.log.Info().Int("rows", n).Msg("back-filled derived columns")
	}

	if _, err := tx.ExecContext(ctx, indexes); err != nil {
		return errors.Wrap(err, "store: migrate: indexes")
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "store: migrate: commit")
	}
	committed = true
	return nil
}

// backfill recomputes every derived column (and the canonical payload) from
// the stored payload. Rows whose payload cannot be decoded are left alone.
func (s *Store) backfill(ctx context.Context, tx *sql.Tx) (int, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, payload FROM tweets`)
	if err != nil {
		return 0, errors.Wrap(err, "store: backfill: select")
	}
	type legacyRow struct {
		id      string
		payload string
	}
	var legacy []legacyRow
	for rows.Next() {
		var r legacyRow
		if err := rows.Scan(&r.id, &r.payload); err != nil {
			rows.Close()
			return 0, errors.Wrap(err, "store: backfill: scan")
		}
		legacy = append(legacy, r)
	}
	if err := rows.Close(); err != nil {
		return 0, errors.Wrap(err, "store: backfill: close rows")
	}
	if err := rows.Err(); err != nil {
		return 0, errors.Wrap(err, "store: backfill: rows")
	}

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE tweets SET
			conversation_id = ?, author_name = ?, created_at = ?, created_at_epoch = ?,
			is_reply = ?, is_target_reply = ?, parent_id = ?, payload = ?
		WHERE id = ?
	`)
	if err != nil {
		return 0, errors.Wrap(err, "store: backfill: prepare")
	}
	defer stmt.Close()

	n := 0
	for _, r := range legacy {
		raw, err := types.DecodeRaw([]byte(r.payload))
		if err != nil {
			s.log.Debug().Str("id", r.id).Err(err).Msg("skipping undecodable legacy payload")
			continue
		}
		tw := normalize.Tweet(raw)
		row, err := s.derive(tw)
		if err != nil {
			s.log.Debug().Str("id", r.id).Err(err).Msg("skipping legacy row")
			continue
		}
		if _, err := stmt.ExecContext(ctx,
			nullString(row.ConversationID), nullString(row.AuthorName), nullString(row.CreatedAt),
			row.CreatedAtEpoch, row.IsReply, row.IsTargetReply, nullString(row.ParentID),
			row.payload, r.id,
		); err != nil {
			return n, errors.Wrapf(err, "store: backfill: update %s", r.id)
		}
		n++
	}
	return n, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func tableColumns(ctx context.Context, q querier, table string) (map[string]bool, error) {
	rows, err := q.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[strings.ToLower(strings.TrimSpace(name))] = true
	}
	return out, rows.Err()
}
