package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/example/courier-dispatch/internal/apperrors"
	"github.com/example/courier-dispatch/internal/models"
)

// PostgresStore keeps orders in Postgres. The conditional UPDATEs in
// Claim/Requeue/MarkCompleted/Cancel are the atomic unit the assignment
// state machine relies on; no transaction spans more than one statement.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

const orderColumns = `id, customer_id, pickup_lat, pickup_lon, pickup_desc,
	dropoff_lat, dropoff_lon, dropoff_desc, items, distance_km, fee_cents,
	eta_minutes, driver_id, status, excluded, sharable, created_at,
	accepted_at, completed_at`

func (p *PostgresStore) Create(ctx context.Context, o *models.Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return err
	}
	// orders are born pending and unassigned; accepted_at/completed_at
	// only ever appear through the conditional updates below
	_, err = p.db.ExecContext(ctx, `INSERT INTO orders(id, customer_id,
		pickup_lat, pickup_lon, pickup_desc, dropoff_lat, dropoff_lon,
		dropoff_desc, items, distance_km, fee_cents, eta_minutes, status,
		excluded, sharable, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		o.ID, o.CustomerID, o.Pickup.Lat, o.Pickup.Lon, o.PickupDesc,
		o.Dropoff.Lat, o.Dropoff.Lon, o.DropoffDesc, items, o.DistanceKm,
		o.FeeCents, o.ETAMinutes, string(o.Status),
		pq.Array(append([]string{}, o.Excluded...)), o.Sharable, o.CreatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id)
	return scanOrder(row)
}

func (p *PostgresStore) Claim(ctx context.Context, orderID, driverID string, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE orders
		SET driver_id=$2, status=$3, accepted_at=COALESCE(accepted_at,$4)
		WHERE id=$1 AND (
			(status=$5 AND driver_id IS NULL)
			OR (status=$3 AND driver_id=$2)
		)`,
		orderID, driverID, string(models.StatusInProcess), at, string(models.StatusPending))
	return affected(res, err)
}

func (p *PostgresStore) Requeue(ctx context.Context, orderID, driverID string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE orders
		SET driver_id=NULL, status=$3, accepted_at=NULL,
		    excluded=CASE WHEN $2=ANY(excluded) THEN excluded ELSE array_append(excluded,$2) END
		WHERE id=$1 AND (
			(status=$3 AND driver_id IS NULL)
			OR (status=$4 AND driver_id=$2)
		)`,
		orderID, driverID, string(models.StatusPending), string(models.StatusInProcess))
	return affected(res, err)
}

func (p *PostgresStore) MarkCompleted(ctx context.Context, orderID, driverID string, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE orders
		SET status=$3, completed_at=$4
		WHERE id=$1 AND status=$5 AND driver_id=$2`,
		orderID, driverID, string(models.StatusCompleted), at, string(models.StatusInProcess))
	return affected(res, err)
}

func (p *PostgresStore) Cancel(ctx context.Context, orderID string, to models.OrderStatus) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE orders
		SET status=$2
		WHERE id=$1 AND status=$3 AND driver_id IS NULL`,
		orderID, string(to), string(models.StatusPending))
	return affected(res, err)
}

func (p *PostgresStore) ListPending(ctx context.Context) ([]*models.Order, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE status=$1 AND driver_id IS NULL
		ORDER BY created_at ASC`, string(models.StatusPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanOrder(row scannable) (*models.Order, error) {
	var (
		o           models.Order
		items       []byte
		driverID    sql.NullString
		status      string
		acceptedAt  sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(&o.ID, &o.CustomerID, &o.Pickup.Lat, &o.Pickup.Lon, &o.PickupDesc,
		&o.Dropoff.Lat, &o.Dropoff.Lon, &o.DropoffDesc, &items, &o.DistanceKm,
		&o.FeeCents, &o.ETAMinutes, &driverID, &status, pq.Array(&o.Excluded),
		&o.Sharable, &o.CreatedAt, &acceptedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &o.Items); err != nil {
			return nil, err
		}
	}
	o.DriverID = driverID.String
	o.Status = models.OrderStatus(status)
	if acceptedAt.Valid {
		o.AcceptedAt = acceptedAt.Time
	}
	if completedAt.Valid {
		o.CompletedAt = completedAt.Time
	}
	return &o, nil
}

func affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
