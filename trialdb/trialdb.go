// Package trialdb records completed trials in a MySQL database
package trialdb

import (
	"context"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	sqlx "github.com/jmoiron/sqlx"

	"github.com/lampllab/optotarget/protocol"
)

const schema = `CREATE TABLE IF NOT EXISTS Trials (
	ID INT AUTO_INCREMENT PRIMARY KEY,
	Session CHAR(36) NOT NULL,
	GroupID INT NOT NULL,
	Region VARCHAR(255) NOT NULL,
	At DATETIME(6) NOT NULL,
	INDEX (Session)
)`

// trialRow is the Trials table layout
type trialRow struct {
	Session string    `db:"Session"`
	Group   int       `db:"GroupID"`
	Region  string    `db:"Region"`
	At      time.Time `db:"At"`
}

func toRow(t protocol.Trial) trialRow {
	return trialRow{Session: t.Session, Group: t.Group, Region: t.Region, At: t.At.UTC()}
}

func (r trialRow) trial() protocol.Trial {
	return protocol.Trial{Session: r.Session, Group: r.Group, Region: r.Region, At: r.At}
}

// DB is a trial database.  It implements protocol.TrialRecorder.
type DB struct {
	*sqlx.DB
}

// NormalizeDSN parses a go-sql-driver DSN and turns on the options the
// Trials table needs: parseTime and UTC timestamps
func NormalizeDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parsing trial database DSN: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

// Open connects to the database at dsn
func Open(dsn string) (*DB, error) {
	dsn, err := NormalizeDSN(dsn)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Connect("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to trial database: %w", err)
	}
	return &DB{db}, nil
}

// EnsureSchema creates the Trials table if it does not exist
func (db *DB) EnsureSchema(ctx context.Context) error {
	_, err := db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("creating Trials table: %w", err)
	}
	return nil
}

// RecordTrial inserts one completed trial
func (db *DB) RecordTrial(ctx context.Context, t protocol.Trial) error {
	_, err := db.NamedExecContext(ctx,
		"INSERT INTO Trials (Session, GroupID, Region, At) VALUES (:Session, :GroupID, :Region, :At)",
		toRow(t))
	if err != nil {
		return fmt.Errorf("inserting trial: %w", err)
	}
	return nil
}

// Trials returns the trials of a session in the order they were given
func (db *DB) Trials(ctx context.Context, session string) ([]protocol.Trial, error) {
	rows := []trialRow{}
	err := db.SelectContext(ctx, &rows,
		"SELECT Session, GroupID, Region, At FROM Trials WHERE Session = ? ORDER BY ID", session)
	if err != nil {
		return nil, fmt.Errorf("querying trials: %w", err)
	}
	out := make([]protocol.Trial, len(rows))
	for i, r := range rows {
		out[i] = r.trial()
	}
	return out, nil
}
