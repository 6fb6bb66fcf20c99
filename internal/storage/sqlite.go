package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "gatebot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// recipientPageSize bounds how many ids one Recipients page holds in memory.
const recipientPageSize = 500

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one connection: sqlite serializes writers anyway
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, p := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(p); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return err
	}
	return s.addColumn(ctx, "campaigns", "draft", "TEXT")
}

// addColumn upgrades tables created before col existed.
func (s *sqliteStore) addColumn(ctx context.Context, table, col, typ string) error {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return err
		}
		if name == col {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	_ = rows.Close()
	_, err = s.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, col, typ))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AddRecipient(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO recipients(id, added_at) VALUES(?, ?) ON CONFLICT(id) DO NOTHING`,
		id, time.Now().UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("add recipient %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("add recipient %d: %w", id, err)
	}
	return n > 0, nil
}

func (s *sqliteStore) CountRecipients(ctx context.Context) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM recipients`)
}

// Recipients pages through the table by seq, bounded by the highest seq seen
// when iteration starts. Rows are never held open across a yield, so callers
// may use the store from inside the loop.
func (s *sqliteStore) Recipients(ctx context.Context) iter.Seq2[int64, error] {
	return func(yield func(int64, error) bool) {
		var upper int64
		if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM recipients`).Scan(&upper); err != nil {
			yield(0, fmt.Errorf("recipients snapshot: %w", err))
			return
		}
		var after int64
		for after < upper {
			page, last, err := s.recipientPage(ctx, after, upper)
			if err != nil {
				yield(0, err)
				return
			}
			if len(page) == 0 {
				return
			}
			for _, id := range page {
				if !yield(id, nil) {
					return
				}
			}
			after = last
		}
	}
}

func (s *sqliteStore) recipientPage(ctx context.Context, after, upper int64) (ids []int64, last int64, err error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id FROM recipients WHERE seq > ? AND seq <= ? ORDER BY seq LIMIT ?`,
		after, upper, recipientPageSize,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("recipients page: %w", err)
	}
	defer rows.Close()

	ids = make([]int64, 0, recipientPageSize)
	for rows.Next() {
		var seq, id int64
		if err := rows.Scan(&seq, &id); err != nil {
			return nil, 0, fmt.Errorf("recipients page: %w", err)
		}
		ids = append(ids, id)
		last = seq
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("recipients page: %w", err)
	}
	return ids, last, nil
}

func (s *sqliteStore) MarkDelivered(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO delivered(id) VALUES(?) ON CONFLICT(id) DO NOTHING`, id); err != nil {
		return fmt.Errorf("mark delivered %d: %w", id, err)
	}
	return nil
}

func (s *sqliteStore) IsDelivered(ctx context.Context, id int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM delivered WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is delivered %d: %w", id, err)
	}
	return true, nil
}

func (s *sqliteStore) ClearDeliveryMarks(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM delivered`); err != nil {
		return fmt.Errorf("clear delivery marks: %w", err)
	}
	return nil
}

func (s *sqliteStore) DeliveredCount(ctx context.Context) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM delivered`)
}

func (s *sqliteStore) SaveCampaign(ctx context.Context, rec CampaignRecord) error {
	counts, err := json.Marshal(rec.Counts)
	if err != nil {
		return err
	}
	var draft sql.NullString
	if rec.Draft != nil {
		raw, err := json.Marshal(rec.Draft)
		if err != nil {
			return err
		}
		draft = sql.NullString{String: string(raw), Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO campaigns(id, admin_id, admin_name, started_at, finished_at, resumed, aborted, counts, draft)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET finished_at=excluded.finished_at, aborted=excluded.aborted,
		 counts=excluded.counts, draft=excluded.draft`,
		rec.ID, rec.AdminID, nullStr(rec.AdminName), rec.StartedAt.UnixMilli(), rec.FinishedAt.UnixMilli(),
		boolInt(rec.Resumed), boolInt(rec.Aborted), string(counts), draft,
	)
	if err != nil {
		return fmt.Errorf("save campaign %s: %w", rec.ID, err)
	}
	return nil
}

func (s *sqliteStore) LastCampaign(ctx context.Context) (CampaignRecord, bool, error) {
	var (
		rec               CampaignRecord
		name              sql.NullString
		started, finished int64
		resumed, aborted  int
		counts            string
		draft             sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, admin_id, admin_name, started_at, finished_at, resumed, aborted, counts, draft
		 FROM campaigns ORDER BY finished_at DESC, rowid DESC LIMIT 1`,
	).Scan(&rec.ID, &rec.AdminID, &name, &started, &finished, &resumed, &aborted, &counts, &draft)
	if errors.Is(err, sql.ErrNoRows) {
		return CampaignRecord{}, false, nil
	}
	if err != nil {
		return CampaignRecord{}, false, fmt.Errorf("last campaign: %w", err)
	}
	rec.AdminName = name.String
	rec.StartedAt = time.UnixMilli(started)
	rec.FinishedAt = time.UnixMilli(finished)
	rec.Resumed = resumed != 0
	rec.Aborted = aborted != 0
	if err := json.Unmarshal([]byte(counts), &rec.Counts); err != nil {
		return CampaignRecord{}, false, fmt.Errorf("last campaign counts: %w", err)
	}
	if draft.Valid {
		rec.Draft = &DraftRecord{}
		if err := json.Unmarshal([]byte(draft.String), rec.Draft); err != nil {
			return CampaignRecord{}, false, fmt.Errorf("last campaign draft: %w", err)
		}
	}
	return rec, true, nil
}

func (s *sqliteStore) count(ctx context.Context, q string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
