package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/example/accessride/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

// Migrate applies the embedded migrations in file-name order. Every statement
// is idempotent so it is safe on every start.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		body, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := p.db.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}

var rideFields = []string{
	"id", "rider_id", "pickup_lat", "pickup_lon", "dropoff_lat", "dropoff_lon", "pickup_at", "pre_booked",
	"wheelchair_type", "assistance", "round_trip", "return_start", "return_end", "priority",
	"estimated_distance_km", "estimated_duration_min", "fare_amount", "fare_currency", "status", "created_at", "updated_at",
}

func rideColumns(alias string) string {
	if alias == "" {
		return strings.Join(rideFields, ", ")
	}
	cols := make([]string, len(rideFields))
	for i, f := range rideFields {
		cols[i] = alias + "." + f
	}
	return strings.Join(cols, ", ")
}

func (p *PostgresStore) SaveRide(ctx context.Context, r *models.RideRequest) error {
	var retStart, retEnd sql.NullTime
	if r.ReturnWindow != nil {
		retStart = sql.NullTime{Time: r.ReturnWindow.Start, Valid: true}
		retEnd = sql.NullTime{Time: r.ReturnWindow.End, Valid: true}
	}
	wheelchair := r.Requirements.Wheelchair
	if wheelchair == "" {
		wheelchair = models.WheelchairNone
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns("")+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		r.ID, r.RiderID, r.Pickup.Lat, r.Pickup.Lon, r.Dropoff.Lat, r.Dropoff.Lon, r.PickupAt, r.PreBooked,
		string(wheelchair), pq.Array(r.Requirements.Assistance.Strings()), r.RoundTrip, retStart, retEnd, string(r.Priority),
		r.EstimatedDistanceKm, r.EstimatedDurationMin, r.EstimatedFare.Amount, r.EstimatedFare.Currency,
		string(r.Status), r.CreatedAt, r.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*models.RideRequest, error) {
	var (
		r                models.RideRequest
		wheelchair, prio string
		status           string
		assistance       []string
		retStart, retEnd sql.NullTime
	)
	err := row.Scan(&r.ID, &r.RiderID, &r.Pickup.Lat, &r.Pickup.Lon, &r.Dropoff.Lat, &r.Dropoff.Lon, &r.PickupAt, &r.PreBooked,
		&wheelchair, pq.Array(&assistance), &r.RoundTrip, &retStart, &retEnd, &prio,
		&r.EstimatedDistanceKm, &r.EstimatedDurationMin, &r.EstimatedFare.Amount, &r.EstimatedFare.Currency,
		&status, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Requirements.Wheelchair = models.WheelchairType(wheelchair)
	r.Requirements.Assistance = models.CapabilitiesFromStrings(assistance)
	r.Priority = models.Priority(prio)
	r.Status = models.RideStatus(status)
	if retStart.Valid && retEnd.Valid {
		r.ReturnWindow = &models.TimeWindow{Start: retStart.Time, End: retEnd.Time}
	}
	return &r, nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.RideRequest, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideColumns("")+` FROM rides WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) UpdateRideStatus(ctx context.Context, id string, from, to models.RideStatus, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET status=$1, updated_at=$2 WHERE id=$3 AND status=$4`, string(to), at, id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM rides WHERE id=$1)`, id).Scan(&exists); err != nil {
			return false, err
		}
		if !exists {
			return false, ErrNotFound
		}
	}
	return n == 1, nil
}

func (p *PostgresStore) AppendRideEvent(ctx context.Context, e models.RideEvent) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO ride_events(ride_id, from_status, to_status, actor, reason, created_at) VALUES($1,$2,$3,$4,$5,$6)`,
		e.RideID, string(e.From), string(e.To), e.Actor, e.Reason, e.At)
	return err
}

func (p *PostgresStore) RideEvents(ctx context.Context, rideID string) ([]models.RideEvent, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT ride_id, from_status, to_status, actor, reason, created_at FROM ride_events WHERE ride_id=$1 ORDER BY id`, rideID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.RideEvent
	for rows.Next() {
		var e models.RideEvent
		var from, to string
		if err := rows.Scan(&e.RideID, &from, &to, &e.Actor, &e.Reason, &e.At); err != nil {
			return nil, err
		}
		e.From, e.To = models.RideStatus(from), models.RideStatus(to)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SaveOffers(ctx context.Context, offers []models.Offer) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO offers(id, ride_id, driver_id, batch, fare_amount, fare_currency, score, created_at, expires_at, status)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, o := range offers {
		if _, err := stmt.ExecContext(ctx, o.ID, o.RideID, o.DriverID, o.Batch, o.Fare.Amount, o.Fare.Currency, o.Score, o.CreatedAt, o.ExpiresAt, string(o.Status)); err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) UpdateOfferStatus(ctx context.Context, offerID string, from, to models.OfferStatus, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE offers SET status=$1, responded_at=$2 WHERE id=$3 AND status=$4`, string(to), at, offerID, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (p *PostgresStore) ListOffers(ctx context.Context, rideID string) ([]models.Offer, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, ride_id, driver_id, batch, fare_amount, fare_currency, score, created_at, expires_at, responded_at, status
		FROM offers WHERE ride_id=$1 ORDER BY batch, score DESC`, rideID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Offer
	for rows.Next() {
		var o models.Offer
		var responded sql.NullTime
		var status string
		if err := rows.Scan(&o.ID, &o.RideID, &o.DriverID, &o.Batch, &o.Fare.Amount, &o.Fare.Currency, &o.Score, &o.CreatedAt, &o.ExpiresAt, &responded, &status); err != nil {
			return nil, err
		}
		if responded.Valid {
			t := responded.Time
			o.RespondedAt = &t
		}
		o.Status = models.OfferStatus(status)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateAssignment(ctx context.Context, a models.RideAssignment) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO ride_assignments(ride_id, driver_id, offer_id, fare_amount, fare_currency, accepted_at) VALUES($1,$2,$3,$4,$5,$6)`,
		a.RideID, a.DriverID, a.OfferID, a.Fare.Amount, a.Fare.Currency, a.AcceptedAt)
	if isUniqueViolation(err) {
		return ErrAssignmentExists
	}
	return err
}

func (p *PostgresStore) GetAssignment(ctx context.Context, rideID string) (*models.RideAssignment, error) {
	var a models.RideAssignment
	err := p.db.QueryRowContext(ctx, `SELECT ride_id, driver_id, offer_id, fare_amount, fare_currency, accepted_at FROM ride_assignments WHERE ride_id=$1`, rideID).
		Scan(&a.RideID, &a.DriverID, &a.OfferID, &a.Fare.Amount, &a.Fare.Currency, &a.AcceptedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (p *PostgresStore) CommittedWindows(ctx context.Context, driverID string, from, to time.Time) ([]models.CommittedWindow, error) {
	active := []string{string(models.RideMatched), string(models.RideConfirmed), string(models.RideInProgress)}
	// Return legs can run past the pickup day, so widen the pickup lookback.
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideColumns("r")+`
		FROM ride_assignments a JOIN rides r ON r.id = a.ride_id
		WHERE a.driver_id=$1 AND r.status = ANY($2) AND r.pickup_at < $4 AND r.pickup_at >= $3 - INTERVAL '1 day'`,
		driverID, pq.Array(active), from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.CommittedWindow
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, committedWindows(r, from, to)...)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Window.Start.Before(out[j].Window.Start) })
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}
