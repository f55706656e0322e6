// Package monitor is the append-only sink for training metrics: per-epoch
// scalars and image artifacts, grouped by run, stored in a SQLite file in
// the run's log directory.
package monitor

import (
	"database/sql"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	_ "modernc.org/sqlite"
)

// FileName is the name of the sink inside a log directory.
const FileName = "events.db"

const schema = `
	PRAGMA journal_mode=WAL;
	PRAGMA busy_timeout=5000;
	CREATE TABLE IF NOT EXISTS runs (
		run_id            TEXT PRIMARY KEY,
		log_dir           TEXT,
		initial_epoch     BIGINT,
		started_at        TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS scalars (
		run_id            TEXT,
		epoch             BIGINT,
		step              BIGINT,
		tag               TEXT,
		value             DOUBLE,
		wall_time         TIMESTAMP,
		FOREIGN KEY(run_id) REFERENCES runs(run_id)
	);
	CREATE TABLE IF NOT EXISTS images (
		run_id            TEXT,
		epoch             BIGINT,
		tag               TEXT,
		path              TEXT,
		wall_time         TIMESTAMP,
		FOREIGN KEY(run_id) REFERENCES runs(run_id)
	);
	CREATE INDEX IF NOT EXISTS idx_scalars_run_tag ON scalars (run_id, tag, step);
`

// DB is a monitoring sink. Writes go to the run started last.
type DB struct {
	*sql.DB
	runID string
	now   func() time.Time
}

// Open opens or creates the sink at path.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open monitor db %s", path)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "create monitor schema in %s", path)
	}
	return &DB{DB: db, now: time.Now}, nil
}

// StartRun registers a new run and makes it the target of later writes.
// Resumed trainings start a new run in the same file.
func (db *DB) StartRun(logDir string, initialEpoch int) (string, error) {
	id := uuid.NewString()
	_, err := db.Exec(
		`INSERT INTO runs (run_id, log_dir, initial_epoch, started_at) VALUES (?, ?, ?, ?)`,
		id, logDir, initialEpoch, db.now().UTC(),
	)
	if err != nil {
		return "", errors.Wrap(err, "insert run")
	}
	db.runID = id
	klog.Infof("monitor run %s started at epoch %d", id, initialEpoch)
	return id, nil
}

// RunID returns the current run, empty before StartRun.
func (db *DB) RunID() string { return db.runID }

func (db *DB) requireRun() error {
	if db.runID == "" {
		return errors.New("monitor: no run started")
	}
	return nil
}

// WriteScalars appends one row per tag, in tag order, in a single
// transaction.
func (db *DB) WriteScalars(epoch, step int, values map[string]float64) error {
	if err := db.requireRun(); err != nil {
		return err
	}
	tags := make([]string, 0, len(values))
	for tag := range values {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	tx, err := db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin scalars")
	}
	wall := db.now().UTC()
	for _, tag := range tags {
		if _, err := tx.Exec(
			`INSERT INTO scalars (run_id, epoch, step, tag, value, wall_time) VALUES (?, ?, ?, ?, ?, ?)`,
			db.runID, epoch, step, tag, values[tag], wall,
		); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "insert scalar %s", tag)
		}
	}
	return errors.Wrap(tx.Commit(), "commit scalars")
}

// WriteImage records an image artifact written at path.
func (db *DB) WriteImage(epoch int, tag, path string) error {
	if err := db.requireRun(); err != nil {
		return err
	}
	_, err := db.Exec(
		`INSERT INTO images (run_id, epoch, tag, path, wall_time) VALUES (?, ?, ?, ?, ?)`,
		db.runID, epoch, tag, path, db.now().UTC(),
	)
	return errors.Wrapf(err, "insert image %s", tag)
}

// Scalar is one stored scalar value.
type Scalar struct {
	Epoch int
	Step  int
	Value float64
}

// Scalars returns the values of tag for a run, in step order.
func (db *DB) Scalars(runID, tag string) ([]Scalar, error) {
	rows, err := db.Query(
		`SELECT epoch, step, value FROM scalars WHERE run_id = ? AND tag = ? ORDER BY step, rowid`,
		runID, tag,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "query scalars %s", tag)
	}
	defer rows.Close()
	var out []Scalar
	for rows.Next() {
		var s Scalar
		if err := rows.Scan(&s.Epoch, &s.Step, &s.Value); err != nil {
			return nil, errors.Wrap(err, "scan scalar")
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Image is one stored image artifact.
type Image struct {
	Epoch int
	Tag   string
	Path  string
}

// Images returns the image artifacts of a run in insertion order.
func (db *DB) Images(runID string) ([]Image, error) {
	rows, err := db.Query(`SELECT epoch, tag, path FROM images WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "query images")
	}
	defer rows.Close()
	var out []Image
	for rows.Next() {
		var im Image
		if err := rows.Scan(&im.Epoch, &im.Tag, &im.Path); err != nil {
			return nil, errors.Wrap(err, "scan image")
		}
		out = append(out, im)
	}
	return out, rows.Err()
}

// Run is one registered run.
type Run struct {
	ID           string
	LogDir       string
	InitialEpoch int
}

// Runs lists the runs of the sink, oldest first.
func (db *DB) Runs() ([]Run, error) {
	rows, err := db.Query(`SELECT run_id, log_dir, initial_epoch FROM runs ORDER BY started_at, rowid`)
	if err != nil {
		return nil, errors.Wrap(err, "query runs")
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.LogDir, &r.InitialEpoch); err != nil {
			return nil, errors.Wrap(err, "scan run")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
