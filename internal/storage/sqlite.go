package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"wardenbot/internal/moderation"
	logx "wardenbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (moderation.Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) CreatePunishment(ctx context.Context, p *moderation.Punishment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO punishments(id, user_id, guild_id, type, duration_ns, status, created_at, expires_at, executor_id, reason)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.UserID, p.GuildID, string(p.Type), int64(p.Duration), string(p.Status),
		p.CreatedAt.UnixMilli(), timeMilli(p.ExpiresAt), p.ExecutorID, nullStr(p.Reason),
	)
	return err
}

func (s *sqliteStore) Punishment(ctx context.Context, id string) (*moderation.Punishment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, guild_id, type, duration_ns, status, created_at, expires_at, executor_id, reason
		 FROM punishments WHERE id = ?`, id)
	return scanPunishment(row)
}

// TransitionPunishment is a single conditional UPDATE; RowsAffected tells us
// whether this call performed the transition.
func (s *sqliteStore) TransitionPunishment(ctx context.Context, id string, to moderation.PunishmentStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE punishments SET status = ? WHERE id = ? AND status = ?`,
		string(to), id, string(moderation.PunishmentActive))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM punishments WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, moderation.ErrNotFound
	}
	return false, err
}

func (s *sqliteStore) ExpiringPunishments(ctx context.Context, before time.Time) ([]*moderation.Punishment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, guild_id, type, duration_ns, status, created_at, expires_at, executor_id, reason
		 FROM punishments
		 WHERE status = ? AND duration_ns > 0 AND expires_at <= ?`,
		string(moderation.PunishmentActive), before.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*moderation.Punishment
	for rows.Next() {
		p, err := scanPunishment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CreateProcess(ctx context.Context, p *moderation.Process) error {
	supporters, err := json.Marshal(p.Supporters)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO processes(id, type, guild_id, target_id, executor_id, message_id, supporters, status, result, created_at, expire_at, details, punishment_id)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, string(p.Type), p.GuildID, p.TargetID, p.ExecutorID, nullStr(p.MessageID),
		string(supporters), string(p.Status), nullStr(string(p.Result)),
		p.CreatedAt.UnixMilli(), timeMilli(p.ExpireAt), nullStr(p.Details), nullStr(p.PunishmentID),
	)
	return err
}

func (s *sqliteStore) Process(ctx context.Context, id string) (*moderation.Process, error) {
	row := s.db.QueryRowContext(ctx, selectProcess+` WHERE id = ?`, id)
	return scanProcess(row)
}

func (s *sqliteStore) ProcessByMessage(ctx context.Context, messageID string) (*moderation.Process, error) {
	row := s.db.QueryRowContext(ctx, selectProcess+` WHERE message_id = ?`, messageID)
	return scanProcess(row)
}

// ToggleSupporter runs the read-modify-write inside one transaction. With
// MaxOpenConns(1) the database serializes callers, so the flip is atomic.
func (s *sqliteStore) ToggleSupporter(ctx context.Context, id, userID string) (int, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, err
	}
	defer tx.Rollback()

	var raw, status string
	err = tx.QueryRowContext(ctx, `SELECT supporters, status FROM processes WHERE id = ?`, id).Scan(&raw, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, moderation.ErrNotFound
	}
	if err != nil {
		return 0, false, err
	}

	var supporters []string
	if err := json.Unmarshal([]byte(raw), &supporters); err != nil {
		return 0, false, fmt.Errorf("decode supporters: %w", err)
	}
	if moderation.ProcessStatus(status).Terminal() {
		return len(supporters), false, nil
	}

	found := false
	for i, u := range supporters {
		if u == userID {
			supporters = append(supporters[:i], supporters[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		supporters = append(supporters, userID)
		// A second distinct supporter moves the process out of pending.
		if moderation.ProcessStatus(status) == moderation.ProcessPending {
			status = string(moderation.ProcessInProgress)
		}
	}
	enc, err := json.Marshal(supporters)
	if err != nil {
		return 0, false, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE processes SET supporters = ?, status = ? WHERE id = ?`, string(enc), status, id); err != nil {
		return 0, false, err
	}
	if err := tx.Commit(); err != nil {
		return 0, false, err
	}
	return len(supporters), true, nil
}

func (s *sqliteStore) CompleteProcess(ctx context.Context, id string, result moderation.ProcessResult) (bool, error) {
	status := moderation.ProcessCompleted
	if result == moderation.ResultCancelled {
		status = moderation.ProcessCancelled
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE processes SET status = ?, result = ? WHERE id = ? AND status IN (?, ?)`,
		string(status), string(result), id,
		string(moderation.ProcessPending), string(moderation.ProcessInProgress))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM processes WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, moderation.ErrNotFound
	}
	return false, err
}

func (s *sqliteStore) ExpiringProcesses(ctx context.Context, before time.Time) ([]*moderation.Process, error) {
	rows, err := s.db.QueryContext(ctx,
		selectProcess+` WHERE status IN (?, ?) AND expire_at <= ?`,
		string(moderation.ProcessPending), string(moderation.ProcessInProgress), before.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*moderation.Process
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const selectProcess = `SELECT id, type, guild_id, target_id, executor_id, message_id, supporters, status, result, created_at, expire_at, details, punishment_id
 FROM processes`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPunishment(row rowScanner) (*moderation.Punishment, error) {
	var (
		p       moderation.Punishment
		typ, st string
		durNS   int64
		created int64
		expires sql.NullInt64
		reason  sql.NullString
	)
	err := row.Scan(&p.ID, &p.UserID, &p.GuildID, &typ, &durNS, &st, &created, &expires, &p.ExecutorID, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, moderation.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Type = moderation.PunishmentType(typ)
	p.Status = moderation.PunishmentStatus(st)
	p.Duration = time.Duration(durNS)
	if durNS < 0 {
		p.Duration = moderation.Permanent
	}
	p.CreatedAt = time.UnixMilli(created)
	if expires.Valid {
		p.ExpiresAt = time.UnixMilli(expires.Int64)
	}
	p.Reason = reason.String
	return &p, nil
}

func scanProcess(row rowScanner) (*moderation.Process, error) {
	var (
		p          moderation.Process
		typ, st    string
		raw        string
		msgID      sql.NullString
		result     sql.NullString
		created    int64
		expire     sql.NullInt64
		details    sql.NullString
		punishment sql.NullString
	)
	err := row.Scan(&p.ID, &typ, &p.GuildID, &p.TargetID, &p.ExecutorID, &msgID, &raw, &st, &result, &created, &expire, &details, &punishment)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, moderation.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(raw), &p.Supporters); err != nil {
		return nil, fmt.Errorf("decode supporters: %w", err)
	}
	p.Type = moderation.ProcessType(typ)
	p.Status = moderation.ProcessStatus(st)
	p.MessageID = msgID.String
	p.Result = moderation.ProcessResult(result.String)
	p.CreatedAt = time.UnixMilli(created)
	if expire.Valid {
		p.ExpireAt = time.UnixMilli(expire.Int64)
	}
	p.Details = details.String
	p.PunishmentID = punishment.String
	return &p, nil
}

func timeMilli(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
