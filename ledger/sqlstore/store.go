// Package sqlstore journals ledger actions to a sqlite database.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/glebarez/sqlite"

	"github.com/michaelpento.lv/borrowbot/types"
)

// ErrDSNRequired is returned when no database location is configured.
var ErrDSNRequired = errors.New("ledger store dsn must be configured")

const schema = `
CREATE TABLE IF NOT EXISTS ledger_actions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    platform TEXT NOT NULL,
    account TEXT NOT NULL,
    collateral_asset TEXT NOT NULL,
    borrow_asset TEXT NOT NULL,
    seq INTEGER NOT NULL,
    kind INTEGER NOT NULL,
    supplied TEXT NOT NULL,
    borrowed TEXT NOT NULL,
    loss TEXT,
    block_number INTEGER NOT NULL,
    recorded_at INTEGER NOT NULL,
    UNIQUE (platform, account, collateral_asset, borrow_asset, seq)
);
CREATE INDEX IF NOT EXISTS ledger_actions_account ON ledger_actions(account);
`

// Store implements ledger.Journal.
type Store struct {
	db *sql.DB
}

// Open creates the schema if needed. Use a file path or "file::memory:".
func Open(dsn string) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrDSNRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite allows one writer; a single connection also keeps in-memory
	// databases alive across calls.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append persists one action.
func (s *Store) Append(ctx context.Context, a types.LedgerAction) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not configured")
	}
	var loss sql.NullString
	if a.Repay != nil {
		loss = sql.NullString{String: a.Loss().String(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO ledger_actions(platform, account, collateral_asset, borrow_asset, seq, kind,
            supplied, borrowed, loss, block_number, recorded_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `,
		string(a.Key.Platform),
		a.Key.User.Hex(),
		a.Key.CollateralAsset.Hex(),
		a.Key.BorrowAsset.Hex(),
		a.Seq,
		int(a.Kind),
		amount(a.SuppliedAmountAfter),
		amount(a.BorrowedAmountAfter),
		loss,
		a.BlockNumber,
		a.RecordedAt.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	return nil
}

// Load returns every action in append order.
func (s *Store) Load(ctx context.Context) ([]types.LedgerAction, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not configured")
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT platform, account, collateral_asset, borrow_asset, seq, kind,
            supplied, borrowed, loss, block_number, recorded_at
        FROM ledger_actions ORDER BY id ASC
    `)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()

	var out []types.LedgerAction
	for rows.Next() {
		var (
			platform, account, collateral, borrow string
			seq, block                            uint64
			kind                                  int
			supplied, borrowed                    string
			loss                                  sql.NullString
			recorded                              int64
		)
		if err := rows.Scan(&platform, &account, &collateral, &borrow, &seq, &kind,
			&supplied, &borrowed, &loss, &block, &recorded); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		a := types.LedgerAction{
			Seq: seq,
			Key: types.PositionKey{
				Platform:        types.Platform(platform),
				User:            common.HexToAddress(account),
				CollateralAsset: common.HexToAddress(collateral),
				BorrowAsset:     common.HexToAddress(borrow),
			},
			Kind:        types.ActionKind(kind),
			BlockNumber: block,
			RecordedAt:  time.Unix(0, recorded).UTC(),
		}
		if a.SuppliedAmountAfter, err = parseAmount(supplied); err != nil {
			return nil, err
		}
		if a.BorrowedAmountAfter, err = parseAmount(borrowed); err != nil {
			return nil, err
		}
		if loss.Valid {
			l, err := parseAmount(loss.String)
			if err != nil {
				return nil, err
			}
			a.Repay = &types.RepayInfo{Loss: l}
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate actions: %w", err)
	}
	return out, nil
}

func amount(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return x.String()
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid stored amount %q", s)
	}
	return v, nil
}
