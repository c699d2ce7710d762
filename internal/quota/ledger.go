package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrGrantTooSoon        = errors.New("credit already collected in the current window")
)

// GrantDeniedError carries when the tenant may collect again.
type GrantDeniedError struct {
	NextAt time.Time
}

func (e *GrantDeniedError) Error() string {
	return fmt.Sprintf("%v; next collection at %s", ErrGrantTooSoon, e.NextAt.Format(time.RFC3339))
}

func (e *GrantDeniedError) Unwrap() error { return ErrGrantTooSoon }

type LedgerOptions struct {
	Path           string
	GrantAmount    decimal.Decimal
	GrantWindow    time.Duration
	InitialCredits decimal.Decimal
}

// Event is one ledger movement.
type Event struct {
	ID           int64           `json:"id"`
	Tenant       string          `json:"tenant"`
	BotID        string          `json:"bot_id,omitempty"`
	Kind         string          `json:"kind"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	CreatedAt    time.Time       `json:"created_at"`
}

const (
	KindStart  = "start"
	KindTick   = "tick"
	KindGrant  = "grant"
	KindRefund = "refund"
)

// Ledger is the sqlite-backed credit balance per tenant.
type Ledger struct {
	db   *sql.DB
	opts LedgerOptions
	now  func() time.Time
}

func OpenLedger(opts LedgerOptions) (*Ledger, error) {
	if opts.Path == "" {
		return nil, errors.New("ledger path is required")
	}
	if opts.GrantWindow <= 0 {
		opts.GrantWindow = 24 * time.Hour
	}
	if opts.GrantAmount.IsZero() {
		opts.GrantAmount = decimal.NewFromInt(1)
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir ledger dir: %w", err)
	}
	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite：单连接，所有余额变更天然串行
	db.SetMaxIdleConns(1)

	l := &Ledger{db: db, opts: opts, now: time.Now}
	if err := l.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *Ledger) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`
CREATE TABLE IF NOT EXISTS credit_accounts (
  tenant TEXT PRIMARY KEY,
  balance TEXT NOT NULL,
  last_grant_at TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`,
		`
CREATE TABLE IF NOT EXISTS credit_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  tenant TEXT NOT NULL,
  bot_id TEXT,
  kind TEXT NOT NULL,
  amount TEXT NOT NULL,
  balance_after TEXT NOT NULL,
  created_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_credit_events_tenant ON credit_events(tenant, id);`,
	}
	for _, q := range stmts {
		if _, err := l.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate ledger: %w", err)
		}
	}
	return nil
}

type account struct {
	balance     decimal.Decimal
	lastGrantAt *time.Time
}

func (l *Ledger) loadAccount(ctx context.Context, tx *sql.Tx, tenant string) (account, error) {
	now := l.now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO credit_accounts (tenant, balance, created_at, updated_at)
VALUES (?,?,?,?)
`, tenant, l.opts.InitialCredits.String(), now, now); err != nil {
		return account{}, fmt.Errorf("init account: %w", err)
	}
	var (
		a       account
		bal     string
		granted sql.NullString
	)
	row := tx.QueryRowContext(ctx, `SELECT balance, last_grant_at FROM credit_accounts WHERE tenant=?`, tenant)
	if err := row.Scan(&bal, &granted); err != nil {
		return account{}, err
	}
	d, err := decimal.NewFromString(bal)
	if err != nil {
		return account{}, fmt.Errorf("corrupt balance for %s: %w", tenant, err)
	}
	a.balance = d
	if granted.Valid {
		if t, err := time.Parse(time.RFC3339Nano, granted.String); err == nil {
			a.lastGrantAt = &t
		}
	}
	return a, nil
}

func (l *Ledger) write(ctx context.Context, tx *sql.Tx, tenant, botID, kind string, amount, balance decimal.Decimal, grantAt *time.Time) error {
	now := l.now().UTC().Format(time.RFC3339Nano)
	var err error
	if grantAt != nil {
		_, err = tx.ExecContext(ctx, `UPDATE credit_accounts SET balance=?, last_grant_at=?, updated_at=? WHERE tenant=?`,
			balance.String(), grantAt.UTC().Format(time.RFC3339Nano), now, tenant)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE credit_accounts SET balance=?, updated_at=? WHERE tenant=?`,
			balance.String(), now, tenant)
	}
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	var bot any
	if botID != "" {
		bot = botID
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO credit_events (tenant, bot_id, kind, amount, balance_after, created_at)
VALUES (?,?,?,?,?,?)
`, tenant, bot, kind, amount.String(), balance.String(), now); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (l *Ledger) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (l *Ledger) Balance(ctx context.Context, tenant string) (decimal.Decimal, error) {
	var out decimal.Decimal
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		a, err := l.loadAccount(ctx, tx, tenant)
		out = a.balance
		return err
	})
	return out, err
}

// Charge debits cost for a start. It refuses when the balance cannot cover
// the cost; reaching exactly zero is allowed.
func (l *Ledger) Charge(ctx context.Context, tenant, botID string, cost decimal.Decimal) (decimal.Decimal, error) {
	var out decimal.Decimal
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		a, err := l.loadAccount(ctx, tx, tenant)
		if err != nil {
			return err
		}
		if a.balance.LessThan(cost) {
			out = a.balance
			return fmt.Errorf("%w: balance %s, need %s", ErrInsufficientCredits, a.balance, cost)
		}
		out = a.balance.Sub(cost)
		return l.write(ctx, tx, tenant, botID, KindStart, cost.Neg(), out, nil)
	})
	return out, err
}

// Tick debits one metering period. exhausted is true when the deduction
// would bring the balance to zero or below; the stored balance never goes
// negative.
func (l *Ledger) Tick(ctx context.Context, tenant, botID string, cost decimal.Decimal) (balance decimal.Decimal, exhausted bool, err error) {
	err = l.inTx(ctx, func(tx *sql.Tx) error {
		a, err := l.loadAccount(ctx, tx, tenant)
		if err != nil {
			return err
		}
		next := a.balance.Sub(cost)
		exhausted = !next.IsPositive()
		if next.IsNegative() {
			next = decimal.Zero
		}
		balance = next
		return l.write(ctx, tx, tenant, botID, KindTick, next.Sub(a.balance), next, nil)
	})
	return balance, exhausted, err
}

// Refund returns a start charge when the spawn never happened.
func (l *Ledger) Refund(ctx context.Context, tenant, botID string, amount decimal.Decimal) (decimal.Decimal, error) {
	var out decimal.Decimal
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		a, err := l.loadAccount(ctx, tx, tenant)
		if err != nil {
			return err
		}
		out = a.balance.Add(amount)
		return l.write(ctx, tx, tenant, botID, KindRefund, amount, out, nil)
	})
	return out, err
}

// Grant is the rate-limited collection action: one grant per rolling window.
func (l *Ledger) Grant(ctx context.Context, tenant string) (decimal.Decimal, error) {
	var out decimal.Decimal
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		a, err := l.loadAccount(ctx, tx, tenant)
		if err != nil {
			return err
		}
		now := l.now()
		if a.lastGrantAt != nil {
			next := a.lastGrantAt.Add(l.opts.GrantWindow)
			if now.Before(next) {
				out = a.balance
				return &GrantDeniedError{NextAt: next}
			}
		}
		out = a.balance.Add(l.opts.GrantAmount)
		return l.write(ctx, tx, tenant, "", KindGrant, l.opts.GrantAmount, out, &now)
	})
	return out, err
}

// History returns the tenant's most recent events, newest first.
func (l *Ledger) History(ctx context.Context, tenant string, limit int) ([]Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
SELECT id, tenant, bot_id, kind, amount, balance_after, created_at
FROM credit_events WHERE tenant=? ORDER BY id DESC LIMIT ?
`, tenant, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e                   Event
			bot                 sql.NullString
			amount, bal, create string
		)
		if err := rows.Scan(&e.ID, &e.Tenant, &bot, &e.Kind, &amount, &bal, &create); err != nil {
			return nil, err
		}
		e.BotID = bot.String
		e.Amount, _ = decimal.NewFromString(amount)
		e.BalanceAfter, _ = decimal.NewFromString(bal)
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, create)
		out = append(out, e)
	}
	return out, rows.Err()
}
