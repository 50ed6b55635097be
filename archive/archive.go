// Package archive keeps a durable history of price observations in
// Postgres, one row per successful fetch.
package archive

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"spotqueue/model"
)

type Archive struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, dsn string) (*Archive, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &Archive{pool: pool}, nil
}

// EnsureSchema creates the history table if it does not exist yet.
func (a *Archive) EnsureSchema(ctx context.Context) error {
	_, err := a.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS spot_prices (
			id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			instance_type TEXT NOT NULL,
			region TEXT NOT NULL,
			availability_zone TEXT NOT NULL,
			price DOUBLE PRECISION NOT NULL,
			observed_at TIMESTAMPTZ NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return err
	}
	_, err = a.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS spot_prices_lookup
			ON spot_prices (region, instance_type, observed_at DESC)`)
	return err
}

func (a *Archive) Insert(ctx context.Context, obs *model.PriceObservation) error {
	_, err := a.pool.Exec(ctx, `
		INSERT INTO spot_prices (instance_type, region, availability_zone, price, observed_at)
		VALUES ($1, $2, $3, $4, $5)`,
		obs.InstanceType, obs.Region, obs.AvailabilityZone, obs.Price, obs.Timestamp,
	)
	return err
}

// Latest returns up to limit observations for the pair, newest first.
func (a *Archive) Latest(ctx context.Context, region, instanceType string, limit int) ([]model.PriceObservation, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT instance_type, region, availability_zone, price, observed_at
		FROM spot_prices
		WHERE region = $1 AND instance_type = $2
		ORDER BY observed_at DESC
		LIMIT $3`, region, instanceType, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	history := []model.PriceObservation{}
	for rows.Next() {
		var obs model.PriceObservation
		if err := rows.Scan(&obs.InstanceType, &obs.Region, &obs.AvailabilityZone, &obs.Price, &obs.Timestamp); err != nil {
			return nil, err
		}
		history = append(history, obs)
	}
	return history, rows.Err()
}

func (a *Archive) Ping(ctx context.Context) error {
	return a.pool.Ping(ctx)
}

func (a *Archive) Close() {
	a.pool.Close()
}
