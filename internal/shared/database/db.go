package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mrmushfiq/llm0-token-gateway/internal/shared/models"
)

// PostgresStore is the durable Store. UpdateAccount takes the account row
// with SELECT ... FOR UPDATE, so writers to one account queue on the row
// lock; the version check on write stays as a guard. The api_keys table is
// the credential index and is maintained inside the same transaction.
type PostgresStore struct {
	conn *sql.DB
}

// NewPostgres connects to PostgreSQL and applies pending migrations.
func NewPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	if err := Migrate(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &PostgresStore{conn: conn}, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.conn.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *PostgresStore) CreateAccount(ctx context.Context, acct *models.Account, credits ...*models.CreditEntry) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create account: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO accounts (id, email, balance, tier, created_at, tier_updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, 1)`,
		acct.ID, acct.Email, acct.Balance, string(acct.Tier), acct.CreatedAt, acct.TierUpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create account %s: %w", acct.ID, mapPQError(err))
	}
	for _, c := range acct.Credentials {
		if err := insertCredential(ctx, tx, acct.ID, c); err != nil {
			return err
		}
	}
	for _, c := range credits {
		if err := insertCredit(ctx, tx, c); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("create account %s: commit: %w", acct.ID, mapPQError(err))
	}
	acct.Version = 1
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	return loadAccount(ctx, s.conn, id, false)
}

const selectAccount = `
	SELECT id, email, balance, tier, created_at, tier_updated_at, version
	FROM accounts WHERE id = $1`

func loadAccount(ctx context.Context, q queryer, id string, forUpdate bool) (*models.Account, error) {
	var acct models.Account
	var tier string
	var tierUpdated sql.NullTime
	query := selectAccount
	if forUpdate {
		query += " FOR UPDATE"
	}
	err := q.QueryRowContext(ctx, query, id).Scan(&acct.ID, &acct.Email, &acct.Balance, &tier, &acct.CreatedAt, &tierUpdated, &acct.Version)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("get account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	acct.Tier = models.Tier(tier)
	if tierUpdated.Valid {
		t := tierUpdated.Time
		acct.TierUpdatedAt = &t
	}

	rows, err := q.QueryContext(ctx, `
		SELECT key_hash, prefix, created_at FROM api_keys
		WHERE account_id = $1 ORDER BY created_at`, id)
	if err != nil {
		return nil, fmt.Errorf("list credentials %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var c models.Credential
		if err := rows.Scan(&c.Hash, &c.Prefix, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		acct.Credentials = append(acct.Credentials, c)
	}
	return &acct, rows.Err()
}

func (s *PostgresStore) AccountIDByCredential(ctx context.Context, hash string) (string, error) {
	var id string
	err := s.conn.QueryRowContext(ctx, `SELECT account_id FROM api_keys WHERE key_hash = $1`, hash).Scan(&id)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("credential lookup: %w", ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("credential lookup: %w", err)
	}
	return id, nil
}

type postgresTx struct {
	tx       *sql.Tx
	acct     *models.Account
	payments []*models.PaymentEvent
	credits  []*models.CreditEntry
}

func (t *postgresTx) Account() *models.Account { return t.acct }

func (t *postgresTx) PaymentApplied(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM payment_events WHERE event_id = $1)`, eventID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("payment lookup %s: %w", eventID, err)
	}
	return exists, nil
}

func (t *postgresTx) RecordPayment(ev *models.PaymentEvent) {
	t.payments = append(t.payments, ev)
}

func (t *postgresTx) RecordCredit(entry *models.CreditEntry) {
	t.credits = append(t.credits, entry)
}

func (s *PostgresStore) UpdateAccount(ctx context.Context, id string, fn func(tx AccountTx) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update account %s: begin: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	before, err := loadAccount(ctx, tx, id, true)
	if err != nil {
		return err
	}

	ptx := &postgresTx{tx: tx, acct: before.Clone()}
	if err := fn(ptx); err != nil {
		return err
	}
	after := ptx.acct

	res, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET email = $1, balance = $2, tier = $3, tier_updated_at = $4, version = version + 1
		WHERE id = $5 AND version = $6`,
		after.Email, after.Balance, string(after.Tier), after.TierUpdatedAt, id, before.Version,
	)
	if err != nil {
		return fmt.Errorf("update account %s: %w", id, mapPQError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update account %s: %w", id, ErrConflict)
	}

	added, removed := credentialDiff(before.Credentials, after.Credentials)
	for _, h := range removed {
		if _, err := tx.ExecContext(ctx, `DELETE FROM api_keys WHERE key_hash = $1 AND account_id = $2`, h, id); err != nil {
			return fmt.Errorf("revoke credential: %w", err)
		}
	}
	for _, c := range added {
		if err := insertCredential(ctx, tx, id, c); err != nil {
			return err
		}
	}
	for _, ev := range ptx.payments {
		if err := insertPayment(ctx, tx, ev); err != nil {
			return err
		}
	}
	for _, c := range ptx.credits {
		if err := insertCredit(ctx, tx, c); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("update account %s: commit: %w", id, mapPQError(err))
	}
	return nil
}

func insertCredential(ctx context.Context, q queryer, accountID string, c models.Credential) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO api_keys (key_hash, account_id, prefix, created_at) VALUES ($1, $2, $3, $4)`,
		c.Hash, accountID, c.Prefix, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert credential: %w", mapPQError(err))
	}
	return nil
}

func insertCredit(ctx context.Context, q queryer, c *models.CreditEntry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO credit_entries (id, account_id, amount, reason, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.AccountID, c.Amount, string(c.Reason), c.Reference, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert credit entry: %w", mapPQError(err))
	}
	return nil
}

func insertPayment(ctx context.Context, q queryer, ev *models.PaymentEvent) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO payment_events (
			event_id, type, status, account_id, plan_id, amount, intent_id,
			tokens_granted, error_message, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ev.EventID, ev.Type, ev.Status, ev.AccountID, ev.PlanID, ev.Amount, ev.IntentID,
		ev.TokensGranted, ev.Error, ev.CreatedAt,
	)
	if err != nil {
		err = mapPQError(err)
		// A concurrent delivery of the same event committed first; the retry
		// will observe it as applied.
		if errors.Is(err, ErrDuplicate) {
			return fmt.Errorf("insert payment %s: %w", ev.EventID, ErrConflict)
		}
		return fmt.Errorf("insert payment %s: %w", ev.EventID, err)
	}
	return nil
}

func (s *PostgresStore) InsertUsage(ctx context.Context, rec *models.UsageRecord) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO usage_records (
			id, account_id, credential_id, model, cost, request_excerpt,
			response_excerpt, latency_ms, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.AccountID, rec.CredentialID, rec.Model, rec.Cost,
		rec.RequestExcerpt, rec.ResponseExcerpt, rec.LatencyMs, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert usage: %w", mapPQError(err))
	}
	return nil
}

const usageColumns = `id, account_id, credential_id, model, cost, request_excerpt, response_excerpt, latency_ms, created_at`

func (s *PostgresStore) ListUsage(ctx context.Context, accountID string, since time.Time) ([]models.UsageRecord, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+usageColumns+` FROM usage_records
		WHERE account_id = $1 AND created_at >= $2
		ORDER BY created_at DESC`, accountID, since)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	return scanUsage(rows)
}

func (s *PostgresStore) ListUsageSince(ctx context.Context, since time.Time) ([]models.UsageRecord, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+usageColumns+` FROM usage_records
		WHERE created_at >= $1 ORDER BY created_at`, since)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	return scanUsage(rows)
}

func scanUsage(rows *sql.Rows) ([]models.UsageRecord, error) {
	defer rows.Close()
	var out []models.UsageRecord
	for rows.Next() {
		var r models.UsageRecord
		if err := rows.Scan(&r.ID, &r.AccountID, &r.CredentialID, &r.Model, &r.Cost,
			&r.RequestExcerpt, &r.ResponseExcerpt, &r.LatencyMs, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveUsageSummary(ctx context.Context, summary *models.UsageSummary) error {
	data, err := json.Marshal(summary.Accounts)
	if err != nil {
		return fmt.Errorf("encode usage summary: %w", err)
	}
	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO usage_summaries (id, period_start, period_end, summary, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		summary.ID, summary.PeriodStart, summary.PeriodEnd, data, summary.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert usage summary: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPayments(ctx context.Context, accountID string, limit int) ([]models.PaymentEvent, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT event_id, type, status, account_id, plan_id, amount, intent_id,
		       tokens_granted, error_message, created_at
		FROM payment_events
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var out []models.PaymentEvent
	for rows.Next() {
		var p models.PaymentEvent
		if err := rows.Scan(&p.EventID, &p.Type, &p.Status, &p.AccountID, &p.PlanID, &p.Amount,
			&p.IntentID, &p.TokensGranted, &p.Error, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListCredits(ctx context.Context, accountID string) ([]models.CreditEntry, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, account_id, amount, reason, reference, created_at
		FROM credit_entries
		WHERE account_id = $1
		ORDER BY created_at, id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list credits: %w", err)
	}
	defer rows.Close()

	var out []models.CreditEntry
	for rows.Next() {
		var c models.CreditEntry
		var reason string
		if err := rows.Scan(&c.ID, &c.AccountID, &c.Amount, &reason, &c.Reference, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan credit entry: %w", err)
		}
		c.Reason = models.CreditReason(reason)
		out = append(out, c)
	}
	return out, rows.Err()
}

// mapPQError translates PostgreSQL error codes the ledger reacts to.
func mapPQError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case "23505": // unique_violation
		return fmt.Errorf("%s: %w", pqErr.Message, ErrDuplicate)
	case "40001", "40P01": // serialization_failure, deadlock_detected
		return fmt.Errorf("%s: %w", pqErr.Message, ErrConflict)
	}
	return err
}
