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
	"unicode/utf8"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"wablast/pkg/logx"
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

// Open opens (creating if needed) the sqlite database at cfg.Path and runs
// the embedded migrations.
func Open(cfg Config, log logx.Logger) (Store, error) {
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

func (s *sqliteStore) CreateCampaign(ctx context.Context, name, body string) (Campaign, error) {
	if utf8.RuneCountInString(body) > MaxBodyRunes {
		return Campaign{}, ErrBodyTooLong
	}
	now := time.Now().UTC()
	c := Campaign{
		ID:        uuid.NewString(),
		Name:      name,
		Body:      body,
		Status:    CampaignDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO campaigns(id, name, body, status, total, sent, failed, created_at, updated_at)
		 VALUES(?,?,?,?,0,0,0,?,?)`,
		c.ID, c.Name, c.Body, string(c.Status), fmtTime(now), fmtTime(now),
	)
	if err != nil {
		return Campaign{}, err
	}
	return c, nil
}

func (s *sqliteStore) GetCampaign(ctx context.Context, id string) (Campaign, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, body, status, total, sent, failed, created_at, updated_at
		 FROM campaigns WHERE id = ?`, id)

	var c Campaign
	var status, createdAt, updatedAt string
	err := row.Scan(&c.ID, &c.Name, &c.Body, &status, &c.Total, &c.Sent, &c.Failed, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Campaign{}, ErrNotFound
	}
	if err != nil {
		return Campaign{}, err
	}
	c.Status = CampaignStatus(status)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return c, nil
}

func (s *sqliteStore) ClaimForSending(ctx context.Context, id string, total int) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET status = ?, total = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(CampaignSending), total, fmtTime(time.Now().UTC()), id, string(CampaignDraft),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteStore) SetCampaignStatus(ctx context.Context, id string, status CampaignStatus, sent, failed int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var cur string
	err = tx.QueryRowContext(ctx, `SELECT status FROM campaigns WHERE id = ?`, id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if !CampaignStatus(cur).CanTransition(status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, status)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE campaigns SET status = ?, sent = ?, failed = ?, updated_at = ? WHERE id = ?`,
		string(status), sent, failed, fmtTime(time.Now().UTC()), id,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) CreateMessages(ctx context.Context, campaignID, body string, recipients []Contact) ([]MessageRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO messages(id, campaign_id, contact_id, phone, body, status, error, sent_at)
		 VALUES(?,?,?,?,?,?,NULL,NULL)`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	out := make([]MessageRecord, 0, len(recipients))
	for _, r := range recipients {
		m := MessageRecord{
			ID:         uuid.NewString(),
			CampaignID: campaignID,
			ContactID:  r.ID,
			Phone:      r.Phone,
			Body:       body,
			Status:     MessagePending,
		}
		if _, err := stmt.ExecContext(ctx, m.ID, m.CampaignID, m.ContactID, m.Phone, m.Body, string(m.Status)); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sqliteStore) UpdateMessage(ctx context.Context, id string, status MessageStatus, errDetail string, sentAt *time.Time) error {
	var sentVal any
	if sentAt != nil {
		sentVal = fmtTime(sentAt.UTC())
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ?, error = ?, sent_at = ? WHERE id = ?`,
		string(status), nullStr(errDetail), sentVal, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListMessages(ctx context.Context, campaignID string) ([]MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, campaign_id, contact_id, phone, body, status, error, sent_at
		 FROM messages WHERE campaign_id = ? ORDER BY rowid`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MessageRecord
	for rows.Next() {
		var m MessageRecord
		var status string
		var errDetail, sentAt sql.NullString
		if err := rows.Scan(&m.ID, &m.CampaignID, &m.ContactID, &m.Phone, &m.Body, &status, &errDetail, &sentAt); err != nil {
			return nil, err
		}
		m.Status = MessageStatus(status)
		m.Error = errDetail.String
		if sentAt.Valid {
			t := parseTime(sentAt.String)
			m.SentAt = &t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AddContact(ctx context.Context, phone, name string) (Contact, error) {
	now := time.Now().UTC()
	c := Contact{
		ID:        uuid.NewString(),
		Phone:     strings.TrimSpace(phone),
		Name:      strings.TrimSpace(name),
		CreatedAt: now,
	}
	if c.Phone == "" {
		return Contact{}, errors.New("contact phone is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts(id, phone, name, created_at) VALUES(?,?,?,?)`,
		c.ID, c.Phone, c.Name, fmtTime(now),
	)
	if err != nil {
		return Contact{}, err
	}
	return c, nil
}

func (s *sqliteStore) ListContacts(ctx context.Context) ([]Contact, error) {
	// rowid preserves insertion order, which fixes the dispatch order.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, phone, name, created_at FROM contacts ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		var c Contact
		var createdAt string
		if err := rows.Scan(&c.ID, &c.Phone, &c.Name, &createdAt); err != nil {
			return nil, err
		}
		c.CreatedAt = parseTime(createdAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

func fmtTime(t time.Time) string { return t.Format(time.RFC3339Nano) }

func parseTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
