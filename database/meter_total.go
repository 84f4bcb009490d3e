package database

import (
	"context"
	"fmt"
	"time"
)

func (d *Database) LoadMeterTotals(ctx context.Context) (map[string]float64, error) {
	rows, err := d.read.QueryContext(ctx, `SELECT meter_id, value FROM meter_total`)
	if err != nil {
		return nil, fmt.Errorf("fetching meter totals: %w", err)
	}
	defer rows.Close()

	totals := make(map[string]float64)
	for rows.Next() {
		var id string
		var value float64
		if err := rows.Scan(&id, &value); err != nil {
			return nil, fmt.Errorf("scanning meter total: %w", err)
		}
		totals[id] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading meter total rows: %w", err)
	}
	return totals, nil
}

func (d *Database) SaveMeterTotal(ctx context.Context, id string, value float64) error {
	_, err := d.write.ExecContext(ctx, `
		INSERT INTO meter_total (meter_id, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(meter_id) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		id,
		value,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("saving meter total %s: %w", id, err)
	}
	return nil
}
