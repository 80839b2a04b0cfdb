package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"embed"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/lib/pq"

	"github.com/25f3003058-afk/spllit-landing-sub001/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate applies the embedded schema. Statements are idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	b, err := migrations.ReadFile("migrations/001_init.sql")
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("migrate 001_init.sql: %w", classify(err))
	}
	return nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (p *PostgresStore) GetUser(ctx context.Context, id string) (models.UserSummary, error) {
	var u models.UserSummary
	err := p.db.QueryRowContext(ctx,
		`SELECT id, name, email, phone, college, rating FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Name, &u.Email, &u.Phone, &u.College, &u.Rating)
	return u, classify(err)
}

func (p *PostgresStore) CreateRide(ctx context.Context, r models.Ride) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO rides (id, owner_id, origin, destination, fare, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.OwnerID, r.Origin, r.Destination, r.Fare, r.Status, r.CreatedAt, r.UpdatedAt)
	return classify(err)
}

const rideColumns = `id, owner_id, origin, destination, fare, status, created_at, updated_at`

func scanRide(row interface{ Scan(...any) error }) (models.Ride, error) {
	var r models.Ride
	err := row.Scan(&r.ID, &r.OwnerID, &r.Origin, &r.Destination, &r.Fare, &r.Status, &r.CreatedAt, &r.UpdatedAt)
	return r, classify(err)
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (models.Ride, error) {
	return scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id))
}

const matchColumns = `id, ride_id, user1_id, user2_id, chat_channel_id, status, matched_at, completed_at`

func scanMatch(row interface{ Scan(...any) error }) (models.Match, error) {
	var m models.Match
	var completed sql.NullTime
	err := row.Scan(&m.ID, &m.RideID, &m.User1ID, &m.User2ID, &m.ChatChannelID, &m.Status, &m.MatchedAt, &completed)
	if completed.Valid {
		t := completed.Time
		m.CompletedAt = &t
	}
	return m, classify(err)
}

func getMatch(ctx context.Context, q queryer, id string) (models.Match, error) {
	return scanMatch(q.QueryRowContext(ctx, `SELECT `+matchColumns+` FROM matches WHERE id = $1`, id))
}

func (p *PostgresStore) GetMatch(ctx context.Context, id string) (models.Match, error) {
	return getMatch(ctx, p.db, id)
}

func (p *PostgresStore) ListMatchesForUser(ctx context.Context, userID string) ([]models.Match, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+matchColumns+` FROM matches WHERE user1_id = $1 OR user2_id = $1 ORDER BY matched_at DESC`, userID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []models.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, classify(rows.Err())
}

func (p *PostgresStore) AppendMessage(ctx context.Context, m models.Message) (models.Message, error) {
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO messages (id, match_id, sender_id, body, created_at, read)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING seq`,
		m.ID, m.MatchID, m.SenderID, m.Body, m.CreatedAt, m.Read,
	).Scan(&m.Seq)
	return m, classify(err)
}

func (p *PostgresStore) ListMessages(ctx context.Context, q MessageQuery) ([]models.Message, error) {
	query := `SELECT seq, id, match_id, sender_id, body, created_at, read FROM messages WHERE match_id = $1`
	args := []any{q.MatchID}
	if q.Before != nil {
		args = append(args, *q.Before)
		query += fmt.Sprintf(` AND created_at < $%d`, len(args))
	}
	query += ` ORDER BY created_at DESC, seq DESC`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.Seq, &m.ID, &m.MatchID, &m.SenderID, &m.Body, &m.CreatedAt, &m.Read); err != nil {
			return nil, classify(err)
		}
		out = append(out, m)
	}
	return out, classify(rows.Err())
}

func (p *PostgresStore) MarkRead(ctx context.Context, matchID, readerID string) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE messages SET read = TRUE WHERE match_id = $1 AND sender_id <> $2 AND read = FALSE`,
		matchID, readerID)
	if err != nil {
		return 0, classify(err)
	}
	n, err := res.RowsAffected()
	return int(n), classify(err)
}

func (p *PostgresStore) CreateEmergency(ctx context.Context, e models.Emergency) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO emergencies (id, user_id, lat, lng, message, emergency_type, status, created_at, updated_at, resolved_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.UserID, e.Location.Lat, e.Location.Lng, e.Message, e.Type, e.Status, e.CreatedAt, e.UpdatedAt, nullTime(e.ResolvedAt))
	return classify(err)
}

const emergencyColumns = `id, user_id, lat, lng, message, emergency_type, status, created_at, updated_at, resolved_at`

func scanEmergency(row interface{ Scan(...any) error }) (models.Emergency, error) {
	var e models.Emergency
	var resolved sql.NullTime
	err := row.Scan(&e.ID, &e.UserID, &e.Location.Lat, &e.Location.Lng, &e.Message, &e.Type, &e.Status, &e.CreatedAt, &e.UpdatedAt, &resolved)
	if resolved.Valid {
		t := resolved.Time
		e.ResolvedAt = &t
	}
	return e, classify(err)
}

func (p *PostgresStore) GetEmergency(ctx context.Context, id string) (models.Emergency, error) {
	return scanEmergency(p.db.QueryRowContext(ctx, `SELECT `+emergencyColumns+` FROM emergencies WHERE id = $1`, id))
}

func (p *PostgresStore) UpdateEmergency(ctx context.Context, id string, expected models.EmergencyStatus, u EmergencyUpdate) (models.Emergency, error) {
	e, err := scanEmergency(p.db.QueryRowContext(ctx,
		`UPDATE emergencies SET status = $3, resolved_at = $4, updated_at = $5
		 WHERE id = $1 AND status = $2 RETURNING `+emergencyColumns,
		id, expected, u.Status, nullTime(u.ResolvedAt), u.UpdatedAt))
	if errors.Is(err, ErrNotFound) {
		// either absent or the status moved on; tell them apart
		if _, gerr := p.GetEmergency(ctx, id); gerr != nil {
			return models.Emergency{}, gerr
		}
		return models.Emergency{}, ErrConflict
	}
	return e, err
}

func (p *PostgresStore) ListEmergencies(ctx context.Context, statuses []models.EmergencyStatus) ([]models.Emergency, error) {
	query := `SELECT ` + emergencyColumns + ` FROM emergencies`
	var args []any
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, s := range statuses {
			names[i] = string(s)
		}
		query += ` WHERE status = ANY($1)`
		args = append(args, pq.Array(names))
	}
	query += ` ORDER BY created_at DESC`
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []models.Emergency
	for rows.Next() {
		e, err := scanEmergency(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, classify(rows.Err())
}

func (p *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return classify(err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return classify(tx.Commit())
}

// pgTx relies on row locks (FOR UPDATE on the ride) plus the partial unique
// index on active matches; read committed isolation is enough with both.
type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) GetRide(ctx context.Context, id string) (models.Ride, error) {
	return scanRide(t.tx.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) GetMatch(ctx context.Context, id string) (models.Match, error) {
	return scanMatch(t.tx.QueryRowContext(ctx, `SELECT `+matchColumns+` FROM matches WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) HasActiveMatch(ctx context.Context, rideID, userID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM matches WHERE ride_id = $1 AND status = 'active' AND (user1_id = $2 OR user2_id = $2))`,
		rideID, userID).Scan(&exists)
	return exists, classify(err)
}

func (t *pgTx) CreateMatch(ctx context.Context, m models.Match) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO matches (id, ride_id, user1_id, user2_id, chat_channel_id, status, matched_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.RideID, m.User1ID, m.User2ID, m.ChatChannelID, m.Status, m.MatchedAt, nullTime(m.CompletedAt))
	return classify(err)
}

func (t *pgTx) SetRideStatus(ctx context.Context, id string, from, to models.RideStatus, at time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE rides SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`, id, from, to, at)
	return expectOneRow(res, err)
}

func (t *pgTx) CompleteMatch(ctx context.Context, id string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE matches SET status = 'completed', completed_at = $2 WHERE id = $1 AND status = 'active'`, id, at)
	return expectOneRow(res, err)
}

func expectOneRow(res sql.Result, err error) error {
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if n != 1 {
		return ErrConflict
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// classify folds driver errors into the storage sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505", "40001", "40P01": // unique_violation, serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %s", ErrConflict, pqErr.Message)
		case "57P01", "57P03", "53300": // admin_shutdown, cannot_connect_now, too_many_connections
			return fmt.Errorf("%w: %s", ErrUnavailable, pqErr.Message)
		}
		return err
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
