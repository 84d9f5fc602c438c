package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// Options configures the PostgreSQL gateway
type Options struct {
	DSN           string
	RealtimeTable string
	UsageTable    string
	MaxOpenConns  int
	PingTimeout   time.Duration
}

// Postgres is the PostgreSQL Gateway
type Postgres struct {
	db       *sql.DB
	realtime string // quoted identifiers
	usage    string
	logger   *logrus.Logger
}

var (
	_ Gateway = (*Postgres)(nil)
	_ Seeder  = (*Postgres)(nil)
)

// Open connects to PostgreSQL and checks the connection
func Open(ctx context.Context, opts Options, logger *logrus.Logger) (*Postgres, error) {
	db, err := sql.Open("postgres", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 2
	}
	// One realtime write and one usage write per tick
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxOpenConns)

	pingCtx := ctx
	if opts.PingTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, opts.PingTimeout)
		defer cancel()
	}
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, &StorageError{Op: "connect", Err: err}
	}

	return New(db, opts, logger), nil
}

// New wraps an open database handle
func New(db *sql.DB, opts Options, logger *logrus.Logger) *Postgres {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.RealtimeTable == "" {
		opts.RealtimeTable = DefaultRealtimeTable
	}
	if opts.UsageTable == "" {
		opts.UsageTable = DefaultUsageTable
	}
	return &Postgres{
		db:       db,
		realtime: pq.QuoteIdentifier(opts.RealtimeTable),
		usage:    pq.QuoteIdentifier(opts.UsageTable),
		logger:   logger,
	}
}

// UpsertRealtime writes or replaces the device's row in one transaction, so readers
// never observe a partially written row
func (p *Postgres) UpsertRealtime(ctx context.Context, s RealtimeSnapshot) error {
	if s.Device == "" {
		return &StorageError{Op: "upsert", Table: p.realtime, Err: errors.New("empty device identifier")}
	}

	query, args := p.upsertQuery(s)

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "upsert", Table: p.realtime, Err: err}
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			p.logger.WithField("error", rbErr).Debug("Rollback failed")
		}
		return &StorageError{Op: "upsert", Table: p.realtime, Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "upsert", Table: p.realtime, Err: err}
	}

	p.logger.WithFields(logrus.Fields{
		"device":             s.Device,
		"total_gallons_used": s.TotalGallonsUsed,
	}).Debug("Realtime row upserted")
	return nil
}

func (p *Postgres) upsertQuery(s RealtimeSnapshot) (string, []any) {
	fields := s.Fields()

	columns := make([]string, 0, fields.Len())
	params := make([]string, 0, fields.Len())
	updates := make([]string, 0, fields.Len())
	args := make([]any, 0, fields.Len())

	for pair := fields.Oldest(); pair != nil; pair = pair.Next() {
		args = append(args, pair.Value)
		columns = append(columns, pair.Key)
		params = append(params, fmt.Sprintf("$%d", len(args)))
		if pair.Key != "device" {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", pair.Key, pair.Key))
		}
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(p.realtime)
	b.WriteString(" (")
	b.WriteString(strings.Join(columns, ", "))
	b.WriteString(") VALUES (")
	b.WriteString(strings.Join(params, ", "))
	b.WriteString(") ON CONFLICT (device) DO UPDATE SET ")
	b.WriteString(strings.Join(updates, ", "))

	return b.String(), args
}

// AppendUsage inserts one row of the usage series. Rows are never updated.
func (p *Postgres) AppendUsage(ctx context.Context, s UsageSample) error {
	query := "INSERT INTO " + p.usage + " (time_utc, device, total_gallons_used) VALUES ($1, $2, $3)"

	if _, err := p.db.ExecContext(ctx, query, storedTime(s.Time), s.Device, s.TotalGallonsUsed); err != nil {
		return &StorageError{Op: "append", Table: p.usage, Err: err}
	}

	p.logger.WithFields(logrus.Fields{
		"device":             s.Device,
		"time_utc":           storedTime(s.Time),
		"total_gallons_used": s.TotalGallonsUsed,
	}).Debug("Usage row appended")
	return nil
}

// LatestTotal reads the calibrated total from the realtime row.
// The writer role may only insert into the usage table, so the realtime row is the
// one place a restarted poller can recover its total from.
func (p *Postgres) LatestTotal(ctx context.Context, device string) (float64, bool, error) {
	query := "SELECT total_gallons_used FROM " + p.realtime + " WHERE device = $1"

	var total sql.NullFloat64
	err := p.db.QueryRowContext(ctx, query, device).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, &StorageError{Op: "latest", Table: p.realtime, Err: err}
	}
	if !total.Valid {
		return 0, false, nil
	}
	return total.Float64, true, nil
}

// Close closes the database handle
func (p *Postgres) Close() error {
	return p.db.Close()
}
