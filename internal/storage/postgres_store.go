package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore is the durable TripStore. Row locks taken in UpdateRide
// serialize lifecycle changes across server instances.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore connects with the lib/pq driver. Call Migrate before use
// on a fresh database.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies every embedded migration in name order. The scripts are
// idempotent so it is safe on every start.
func (p *PostgresStore) Migrate(ctx context.Context) ([]string, error) {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	for _, n := range names {
		b, err := migrations.ReadFile(n)
		if err != nil {
			return nil, err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return nil, fmt.Errorf("migration %s: %w", n, err)
		}
	}
	return names, nil
}

type rideRow struct {
	ID          string          `db:"id"`
	RiderID     string          `db:"rider_id"`
	DriverID    sql.NullString  `db:"driver_id"`
	Pickup      string          `db:"pickup"`
	Destination string          `db:"destination"`
	PickupLat   sql.NullFloat64 `db:"pickup_lat"`
	PickupLng   sql.NullFloat64 `db:"pickup_lng"`
	VehicleType string          `db:"vehicle_type"`
	Fare        float64         `db:"fare"`
	OTP         string          `db:"otp"`
	Status      string          `db:"status"`
	CreatedAt   time.Time       `db:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at"`
}

func toRow(r *models.Ride) rideRow {
	row := rideRow{
		ID:          r.ID,
		RiderID:     r.RiderID,
		DriverID:    sql.NullString{String: r.DriverID, Valid: r.DriverID != ""},
		Pickup:      r.Pickup,
		Destination: r.Destination,
		VehicleType: string(r.VehicleType),
		Fare:        r.Fare,
		OTP:         r.OTP,
		Status:      string(r.Status),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.PickupCoord != nil {
		row.PickupLat = sql.NullFloat64{Float64: r.PickupCoord.Lat, Valid: true}
		row.PickupLng = sql.NullFloat64{Float64: r.PickupCoord.Lon, Valid: true}
	}
	return row
}

func (row rideRow) ride() models.Ride {
	r := models.Ride{
		ID:          row.ID,
		RiderID:     row.RiderID,
		DriverID:    row.DriverID.String,
		Pickup:      row.Pickup,
		Destination: row.Destination,
		VehicleType: models.VehicleType(row.VehicleType),
		Fare:        row.Fare,
		OTP:         row.OTP,
		Status:      models.RideStatus(row.Status),
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
	if row.PickupLat.Valid && row.PickupLng.Valid {
		r.PickupCoord = &models.Coord{Lat: row.PickupLat.Float64, Lon: row.PickupLng.Float64}
	}
	return r
}

const rideColumns = `id, rider_id, driver_id, pickup, destination, pickup_lat, pickup_lng, vehicle_type, fare, otp, status, created_at, updated_at`

func (p *PostgresStore) SaveRide(ctx context.Context, r models.Ride) error {
	_, err := p.db.NamedExecContext(ctx, `INSERT INTO rides(`+rideColumns+`)
		VALUES(:id, :rider_id, :driver_id, :pickup, :destination, :pickup_lat, :pickup_lng, :vehicle_type, :fare, :otp, :status, :created_at, :updated_at)`, toRow(&r))
	return err
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (models.Ride, error) {
	var row rideRow
	err := p.db.GetContext(ctx, &row, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Ride{}, ErrNotFound
	}
	if err != nil {
		return models.Ride{}, err
	}
	return row.ride(), nil
}

// UpdateRide holds a row lock for the duration of fn, which is what makes
// concurrent accepts on the same ride serialize across server instances.
func (p *PostgresStore) UpdateRide(ctx context.Context, id string, fn func(r *models.Ride) error) (models.Ride, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Ride{}, err
	}
	defer tx.Rollback()

	var row rideRow
	err = tx.GetContext(ctx, &row, `SELECT `+rideColumns+` FROM rides WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Ride{}, ErrNotFound
	}
	if err != nil {
		return models.Ride{}, err
	}
	cur := row.ride()
	next := cur
	if cur.PickupCoord != nil {
		c := *cur.PickupCoord
		next.PickupCoord = &c
	}
	if err := fn(&next); err != nil {
		return cur, err
	}
	if _, err := tx.NamedExecContext(ctx, `UPDATE rides SET driver_id = :driver_id, pickup_lat = :pickup_lat, pickup_lng = :pickup_lng,
		fare = :fare, otp = :otp, status = :status, updated_at = :updated_at WHERE id = :id`, toRow(&next)); err != nil {
		return cur, err
	}
	if err := tx.Commit(); err != nil {
		return cur, err
	}
	return next, nil
}

func (p *PostgresStore) ListDriverRides(ctx context.Context, driverID string, q ListQuery) ([]models.Ride, int, error) {
	statuses := make([]string, 0, len(q.Statuses))
	for _, s := range q.Statuses {
		statuses = append(statuses, string(s))
	}
	where := `driver_id = $1 AND (cardinality($2::text[]) = 0 OR status = ANY($2))`

	var total int
	if err := p.db.GetContext(ctx, &total, `SELECT count(*) FROM rides WHERE `+where, driverID, pq.Array(statuses)); err != nil {
		return nil, 0, err
	}
	var rows []rideRow
	if err := p.db.SelectContext(ctx, &rows, `SELECT `+rideColumns+` FROM rides WHERE `+where+`
		ORDER BY created_at DESC LIMIT $3 OFFSET $4`, driverID, pq.Array(statuses), q.limit(), q.Offset); err != nil {
		return nil, 0, err
	}
	out := make([]models.Ride, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.ride())
	}
	return out, total, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }
