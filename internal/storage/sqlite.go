package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "reachbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type Config struct {
	Path        string
	BusyTimeout time.Duration
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open opens (creating if needed) the sqlite store at cfg.Path.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage: sqlite path is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also serializes the tracker
	// upserts issued by concurrent cycles.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

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

// ---- accounts ----

func (s *sqliteStore) Accounts(ctx context.Context, role Role) ([]Account, error) {
	q := `SELECT number, username, role, operator_id, session, template_cursor FROM accounts`
	args := []any{}
	if role != "" {
		q += ` WHERE role = ?`
		args = append(args, string(role))
	}
	q += ` ORDER BY created_at, number`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		var a Account
		var r string
		if err := rows.Scan(&a.Number, &a.Username, &r, &a.OperatorID, &a.Session, &a.TemplateCursor); err != nil {
			return nil, err
		}
		a.Role = Role(r)
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range accounts {
		if err := s.loadGroups(ctx, &accounts[i]); err != nil {
			return nil, err
		}
	}
	return accounts, nil
}

func (s *sqliteStore) Account(ctx context.Context, number string) (*Account, error) {
	var a Account
	var r string
	err := s.db.QueryRowContext(ctx,
		`SELECT number, username, role, operator_id, session, template_cursor FROM accounts WHERE number = ?`,
		number,
	).Scan(&a.Number, &a.Username, &r, &a.OperatorID, &a.Session, &a.TemplateCursor)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Role = Role(r)
	if err := s.loadGroups(ctx, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *sqliteStore) loadGroups(ctx context.Context, a *Account) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT group_id, name, link, username, msg_per_day FROM groups WHERE account_number = ? ORDER BY position`,
		a.Number,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	byID := map[string]*Group{}
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.Name, &g.Link, &g.Username, &g.MsgPerDay); err != nil {
			return err
		}
		a.Groups = append(a.Groups, g)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for i := range a.Groups {
		byID[a.Groups[i].ID] = &a.Groups[i]
	}

	trows, err := s.db.QueryContext(ctx,
		`SELECT group_id, date, message_count, last_sent_at FROM daily_trackers WHERE account_number = ? ORDER BY date`,
		a.Number,
	)
	if err != nil {
		return err
	}
	defer trows.Close()

	for trows.Next() {
		var gid, date string
		var count int
		var lastMS int64
		if err := trows.Scan(&gid, &date, &count, &lastMS); err != nil {
			return err
		}
		g, ok := byID[gid]
		if !ok {
			continue // tracker for a group since removed; pruned nightly
		}
		t := DailyTracker{Date: date, MessageCount: count}
		if lastMS > 0 {
			t.LastSentAt = time.UnixMilli(lastMS)
		}
		g.Trackers = append(g.Trackers, t)
	}
	return trows.Err()
}

func (s *sqliteStore) PutAccount(ctx context.Context, a *Account) error {
	if err := validateAccount(a); err != nil {
		return err
	}
	now := time.Now().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO accounts(number, username, role, operator_id, session, template_cursor, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(number) DO UPDATE SET
		   username=excluded.username, role=excluded.role, operator_id=excluded.operator_id,
		   session=excluded.session, template_cursor=excluded.template_cursor, updated_at=excluded.updated_at`,
		a.Number, a.Username, string(a.Role), a.OperatorID, a.Session, a.TemplateCursor, now, now,
	)
	if err != nil {
		return err
	}
	if err := replaceGroupsTx(ctx, tx, a.Number, a.Groups); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) ReplaceGroups(ctx context.Context, number string, groups []Group) error {
	if err := validateGroups(groups); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM accounts WHERE number = ?`, number).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	if err := replaceGroupsTx(ctx, tx, number, groups); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET updated_at = ? WHERE number = ?`,
		time.Now().Format(time.RFC3339Nano), number); err != nil {
		return err
	}
	return tx.Commit()
}

func replaceGroupsTx(ctx context.Context, tx *sql.Tx, number string, groups []Group) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM groups WHERE account_number = ?`, number); err != nil {
		return err
	}
	for i := range groups {
		g := &groups[i]
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO groups(account_number, position, group_id, name, link, username, msg_per_day)
			 VALUES(?,?,?,?,?,?,?)`,
			number, i, g.ID, g.Name, g.Link, g.Username, g.Quota(),
		); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) DeleteAccount(ctx context.Context, number string) error {
	// Idempotent: deleting an absent account is a no-op.
	_, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE number = ?`, number)
	return err
}

func (s *sqliteStore) SetTemplateCursor(ctx context.Context, number string, cursor int) error {
	if cursor < 0 {
		return fmt.Errorf("storage: template cursor must be >= 0, got %d", cursor)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET template_cursor = ?, updated_at = ? WHERE number = ?`,
		cursor, time.Now().Format(time.RFC3339Nano), number,
	)
	return err
}

// ---- trackers ----

func (s *sqliteStore) IncrementTracker(ctx context.Context, number, groupID, date string, at time.Time) error {
	if number == "" || groupID == "" || date == "" {
		return errors.New("storage: tracker key must be fully specified")
	}
	// Single-statement upsert: correct under concurrent cycles, no lost
	// updates, no read-modify-write of the whole account.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO daily_trackers(account_number, group_id, date, message_count, last_sent_at)
		 VALUES(?,?,?,1,?)
		 ON CONFLICT(account_number, group_id, date) DO UPDATE SET
		   message_count = message_count + 1,
		   last_sent_at = excluded.last_sent_at`,
		number, groupID, date, at.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) PruneTrackers(ctx context.Context, keepDate string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM daily_trackers WHERE date < ?`, keepDate)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ---- leads ----

func (s *sqliteStore) CreateLead(ctx context.Context, l Lead) (bool, error) {
	if strings.TrimSpace(l.UserID) == "" {
		return false, errors.New("storage: lead user id is required")
	}
	switch l.Kind {
	case LeadDM, LeadReply, LeadKeyword:
	default:
		return false, fmt.Errorf("storage: invalid lead kind %q", l.Kind)
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO leads(user_id, username, kind, content, account_number, group_id, done, created_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		l.UserID, l.Username, string(l.Kind), l.Content, l.AccountNumber, l.GroupID, boolInt(l.Done),
		l.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) LeadExists(ctx context.Context, userID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM leads WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) CompleteLead(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE leads SET done = 1 WHERE user_id = ?`, userID)
	return err
}

// ---- forwards ----

func (s *sqliteStore) CreateForward(ctx context.Context, f *Forward) error {
	if f == nil || strings.TrimSpace(f.SenderID) == "" {
		return errors.New("storage: forward sender id is required")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO forwards(chat_id, message_id, source_chat_id, source_message_id, link, sender_id, preview, done, created_at)
		 VALUES(?,?,?,?,?,?,?,0,?)`,
		f.ChatID, f.MessageID, f.SourceChatID, f.SourceMessageID, f.Link, f.SenderID, f.Preview,
		time.Now().Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}
	f.ID, err = res.LastInsertId()
	return err
}

func (s *sqliteStore) Forward(ctx context.Context, id int64) (*Forward, error) {
	var f Forward
	var done int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, message_id, source_chat_id, source_message_id, link, sender_id, preview, done
		 FROM forwards WHERE id = ?`, id,
	).Scan(&f.ID, &f.ChatID, &f.MessageID, &f.SourceChatID, &f.SourceMessageID, &f.Link, &f.SenderID, &f.Preview, &done)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	f.Done = done != 0
	return &f, nil
}

func (s *sqliteStore) CompleteForward(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE forwards SET done = 1 WHERE id = ?`, id)
	return err
}

// ---- operators & settings ----

func (s *sqliteStore) OperatorIDs(ctx context.Context) ([]int64, error) {
	seen := map[int64]struct{}{}
	var ids []int64

	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM operators`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		if _, dup := seen[id]; !dup && id != 0 {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	arows, err := s.db.QueryContext(ctx, `SELECT operator_id FROM accounts WHERE operator_id != 0`)
	if err != nil {
		return nil, err
	}
	defer arows.Close()
	for arows.Next() {
		var id int64
		if err := arows.Scan(&id); err != nil {
			return nil, err
		}
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids, arows.Err()
}

func (s *sqliteStore) PutOperator(ctx context.Context, op Operator) error {
	if op.UserID == 0 {
		return errors.New("storage: operator user id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO operators(user_id, username) VALUES(?,?)
		 ON CONFLICT(user_id) DO UPDATE SET username=excluded.username`,
		op.UserID, op.Username,
	)
	return err
}

func (s *sqliteStore) Settings(ctx context.Context) (Settings, error) {
	var st Settings
	err := s.db.QueryRowContext(ctx,
		`SELECT forward_chat_id, report_chat_id FROM settings WHERE id = 1`,
	).Scan(&st.ForwardChatID, &st.ReportChatID)
	if errors.Is(err, sql.ErrNoRows) {
		return Settings{}, nil
	}
	return st, err
}

func (s *sqliteStore) SetSettings(ctx context.Context, st Settings) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(id, forward_chat_id, report_chat_id) VALUES(1,?,?)
		 ON CONFLICT(id) DO UPDATE SET forward_chat_id=excluded.forward_chat_id, report_chat_id=excluded.report_chat_id`,
		st.ForwardChatID, st.ReportChatID,
	)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
