package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/icodeforyou/energycontract-go/types"
)

var _ types.StateStore = (*Database)(nil)

func (d *Database) LoadState(ctx context.Context, key string) (types.StateRecord, bool, error) {
	var data string
	rec := types.StateRecord{Key: key}
	err := d.read.QueryRowContext(ctx, `
		SELECT version, data
		FROM ledger_state
		WHERE key = ?`, key).Scan(&rec.Version, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return types.StateRecord{}, false, nil
	}
	if err != nil {
		return types.StateRecord{}, false, fmt.Errorf("loading ledger state %q: %w", key, err)
	}
	rec.Data = []byte(data)
	return rec, true, nil
}

func (d *Database) SaveState(ctx context.Context, rec types.StateRecord) error {
	_, err := d.write.ExecContext(ctx, `
		INSERT INTO ledger_state (key, version, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			version = excluded.version,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		rec.Key,
		rec.Version,
		string(rec.Data),
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("saving ledger state %q: %w", rec.Key, err)
	}
	return nil
}
