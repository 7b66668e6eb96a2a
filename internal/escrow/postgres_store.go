package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mbd888/escrowd/internal/address"
)

// PostgresStore persists escrow data in PostgreSQL. Per-transaction
// exclusion comes from SELECT ... FOR UPDATE row locks; id allocation
// from a locked counter row.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var txOptions = &sql.TxOptions{Isolation: sql.LevelReadCommitted}

const transactionColumns = `id, sender, recipient, amount, fee, state, created_at, deadline,
	sender_approved, recipient_approved, arbitrator_voted, arbitrator_decision,
	resolved_at, emergency`

func (p *PostgresStore) Allocate(ctx context.Context) (Reservation, error) {
	tx, err := p.db.BeginTx(ctx, txOptions)
	if err != nil {
		return nil, fmt.Errorf("begin allocation: %w", err)
	}
	var id int64
	err = tx.QueryRowContext(ctx, `
		UPDATE escrow_counter SET next_id = next_id + 1
		WHERE singleton
		RETURNING next_id - 1`).Scan(&id)
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("allocate id: %w", err)
	}
	return &pgReservation{tx: tx, id: uint64(id)}, nil //nolint:gosec // counter starts at 0
}

type pgReservation struct {
	tx   *sql.Tx
	id   uint64
	done bool
}

func (r *pgReservation) ID() uint64 { return r.id }

func (r *pgReservation) Commit(ctx context.Context, t *Transaction, events []Event) error {
	if r.done {
		return errors.New("escrow: reservation already finished")
	}
	if t.ID != r.id {
		return fmt.Errorf("escrow: reservation %d used for transaction %d", r.id, t.ID)
	}
	r.done = true

	_, err := r.tx.ExecContext(ctx, `
		INSERT INTO escrow_transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		int64(t.ID), t.Sender, t.Recipient, fmtUnits(t.Amount), fmtUnits(t.Fee), int16(t.State), //nolint:gosec // ids stay below 2^63
		t.CreatedAt, t.Deadline, t.SenderApproved, t.RecipientApproved,
		t.ArbitratorVoted, t.ArbitratorDecision, nullTime(t.ResolvedAt), t.Emergency,
	)
	if err == nil {
		err = insertEvents(ctx, r.tx, events)
	}
	if err != nil {
		_ = r.tx.Rollback()
		return err
	}
	return r.tx.Commit()
}

func (r *pgReservation) Release() {
	if r.done {
		return
	}
	r.done = true
	_ = r.tx.Rollback()
}

func (p *PostgresStore) Get(ctx context.Context, id uint64) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM escrow_transactions WHERE id = $1`, int64(id)) //nolint:gosec // see Allocate
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return t, err
}

func (p *PostgresStore) Acquire(ctx context.Context, id uint64) (Unit, error) {
	tx, err := p.db.BeginTx(ctx, txOptions)
	if err != nil {
		return nil, fmt.Errorf("begin unit: %w", err)
	}
	row := tx.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM escrow_transactions WHERE id = $1 FOR UPDATE`, int64(id)) //nolint:gosec // see Allocate
	t, err := scanTransaction(row)
	if err != nil {
		_ = tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		return nil, err
	}
	return &pgUnit{tx: tx, current: t}, nil
}

type pgUnit struct {
	tx      *sql.Tx
	current *Transaction
	done    bool
}

func (u *pgUnit) Record() *Transaction { return u.current.Clone() }

func (u *pgUnit) Put(ctx context.Context, t *Transaction) error {
	if u.done {
		return errors.New("escrow: unit already finished")
	}
	if t.ID != u.current.ID {
		return fmt.Errorf("escrow: unit for %d cannot write %d", u.current.ID, t.ID)
	}
	_, err := u.tx.ExecContext(ctx, `
		UPDATE escrow_transactions SET
			state = $1, sender_approved = $2, recipient_approved = $3,
			arbitrator_voted = $4, arbitrator_decision = $5,
			resolved_at = $6, emergency = $7
		WHERE id = $8`,
		int16(t.State), t.SenderApproved, t.RecipientApproved,
		t.ArbitratorVoted, t.ArbitratorDecision, nullTime(t.ResolvedAt), t.Emergency,
		int64(t.ID), //nolint:gosec // see Allocate
	)
	if err != nil {
		return err
	}
	u.current = t.Clone()
	return nil
}

func (u *pgUnit) Commit(ctx context.Context, events []Event) error {
	if u.done {
		return errors.New("escrow: unit already finished")
	}
	u.done = true
	if err := insertEvents(ctx, u.tx, events); err != nil {
		_ = u.tx.Rollback()
		return err
	}
	return u.tx.Commit()
}

func (u *pgUnit) Rollback(_ context.Context) error {
	if u.done {
		return nil
	}
	u.done = true
	return u.tx.Rollback()
}

func (p *PostgresStore) Count(ctx context.Context) (uint64, error) {
	var n int64
	if err := p.db.QueryRowContext(ctx, `SELECT next_id FROM escrow_counter WHERE singleton`).Scan(&n); err != nil {
		return 0, err
	}
	return uint64(n), nil //nolint:gosec // never negative
}

func (p *PostgresStore) ListByParty(ctx context.Context, party address.Address, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM escrow_transactions
		WHERE sender = $1 OR recipient = $1
		ORDER BY id DESC
		LIMIT $2`, party, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) ListClaimable(ctx context.Context, now time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM escrow_transactions
		WHERE state = $1 AND deadline < $2
		ORDER BY deadline
		LIMIT $3`, int16(StateAwaitingDelivery), now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) Events(ctx context.Context, id uint64) ([]Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, type, transaction_id, data, created_at
		FROM escrow_events
		WHERE transaction_id = $1
		ORDER BY seq`, int64(id)) //nolint:gosec // see Allocate
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []Event
	for rows.Next() {
		var (
			e    Event
			txID sql.NullInt64
			data []byte
		)
		if err := rows.Scan(&e.ID, &e.Type, &txID, &data, &e.CreatedAt); err != nil {
			return nil, err
		}
		if txID.Valid {
			e.TransactionID = idRef(uint64(txID.Int64)) //nolint:gosec // never negative
		}
		if err := json.Unmarshal(data, &e.Data); err != nil {
			return nil, fmt.Errorf("decode event %s: %w", e.ID, err)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) RecordEvents(ctx context.Context, events []Event) error {
	return insertEvents(ctx, p.db, events)
}

func (p *PostgresStore) LoadSettings(ctx context.Context) (*Settings, error) {
	var (
		s   Settings
		fee string
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT owner, arbitrator, platform_wallet, token, fee
		FROM escrow_settings WHERE singleton`).
		Scan(&s.Owner, &s.Arbitrator, &s.PlatformWallet, &s.Token, &fee)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if s.Fee, err = strconv.ParseUint(fee, 10, 64); err != nil {
		return nil, fmt.Errorf("settings fee %q: %w", fee, err)
	}
	return &s, nil
}

func (p *PostgresStore) SaveSettings(ctx context.Context, s Settings, events []Event) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrow_settings (singleton, owner, arbitrator, platform_wallet, token, fee, updated_at)
		VALUES (TRUE, $1, $2, $3, $4, $5, NOW())
		ON CONFLICT (singleton) DO UPDATE SET
			owner = EXCLUDED.owner,
			arbitrator = EXCLUDED.arbitrator,
			platform_wallet = EXCLUDED.platform_wallet,
			token = EXCLUDED.token,
			fee = EXCLUDED.fee,
			updated_at = EXCLUDED.updated_at`,
		s.Owner, s.Arbitrator, s.PlatformWallet, s.Token, fmtUnits(s.Fee))
	if err != nil {
		return err
	}
	if err := insertEvents(ctx, tx, events); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Stats(ctx context.Context, now time.Time) (Stats, error) {
	var (
		st     Stats
		total  int64
		locked string
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE state = 1),
			COUNT(*) FILTER (WHERE state = 3),
			COUNT(*) FILTER (WHERE state = 2),
			COUNT(*) FILTER (WHERE state = 4),
			COALESCE(SUM(amount) FILTER (WHERE state IN (1, 3)), 0)::TEXT,
			COUNT(*) FILTER (WHERE state = 1 AND deadline < $1)
		FROM escrow_transactions`, now).
		Scan(&total, &st.AwaitingDelivery, &st.Disputed, &st.Complete, &st.Refunded, &locked, &st.Expired)
	if err != nil {
		return Stats{}, err
	}
	st.Total = uint64(total) //nolint:gosec // never negative
	if st.LockedUnits, err = strconv.ParseUint(locked, 10, 64); err != nil {
		return Stats{}, fmt.Errorf("locked units %q: %w", locked, err)
	}
	return st, nil
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEvents(ctx context.Context, db execer, events []Event) error {
	for _, e := range events {
		data, err := json.Marshal(e.Data)
		if err != nil {
			return err
		}
		var txID sql.NullInt64
		if e.TransactionID != nil {
			txID = sql.NullInt64{Int64: int64(*e.TransactionID), Valid: true} //nolint:gosec // see Allocate
		}
		if _, err := db.ExecContext(ctx, `
			INSERT INTO escrow_events (id, type, transaction_id, data, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			e.ID, string(e.Type), txID, data, e.CreatedAt); err != nil {
			return fmt.Errorf("insert event %s: %w", e.Type, err)
		}
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	var (
		t           Transaction
		id          int64
		amount, fee string
		state       int16
		resolvedAt  sql.NullTime
	)
	err := s.Scan(
		&id, &t.Sender, &t.Recipient, &amount, &fee, &state, &t.CreatedAt, &t.Deadline,
		&t.SenderApproved, &t.RecipientApproved, &t.ArbitratorVoted, &t.ArbitratorDecision,
		&resolvedAt, &t.Emergency,
	)
	if err != nil {
		return nil, err
	}

	t.ID = uint64(id)      //nolint:gosec // never negative
	t.State = State(state) //nolint:gosec // CHECK constraint keeps it in 1..4
	t.CreatedAt = t.CreatedAt.UTC()
	t.Deadline = t.Deadline.UTC()
	if resolvedAt.Valid {
		at := resolvedAt.Time.UTC()
		t.ResolvedAt = &at
	}
	if t.Amount, err = strconv.ParseUint(amount, 10, 64); err != nil {
		return nil, fmt.Errorf("amount %q: %w", amount, err)
	}
	if t.Fee, err = strconv.ParseUint(fee, 10, 64); err != nil {
		return nil, fmt.Errorf("fee %q: %w", fee, err)
	}
	return &t, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
