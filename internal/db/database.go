// Package db keeps a directory of the rooms the relay has seen. Room logs
// themselves are never written here; the directory only records activity.
package db

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	_ "modernc.org/sqlite"
)

type Database struct {
	db *sqlx.DB
}

// Directory entry for one room
type RoomRecord struct {
	Key         string    `json:"key"`
	FirstSeen   time.Time `json:"first_seen"`
	LastActive  time.Time `json:"last_active"`
	Segments    int       `json:"segment_count"`
	Clears      int       `json:"clear_count"`
	PeakMembers int       `json:"peak_members"`
}

// Times are stored as unix milliseconds
type roomRow struct {
	Key         string `db:"room_key"`
	FirstSeen   int64  `db:"first_seen"`
	LastActive  int64  `db:"last_active"`
	Segments    int    `db:"segment_count"`
	Clears      int    `db:"clear_count"`
	PeakMembers int    `db:"peak_members"`
}

func (r roomRow) record() RoomRecord {
	return RoomRecord{
		Key:         r.Key,
		FirstSeen:   time.UnixMilli(r.FirstSeen).UTC(),
		LastActive:  time.UnixMilli(r.LastActive).UTC(),
		Segments:    r.Segments,
		Clears:      r.Clears,
		PeakMembers: r.PeakMembers,
	}
}

func New(dbPath string) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create database directory %q", dir)
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrapf(err, "sqlx.Open %q", dbPath)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "PRAGMA journal_mode=WAL")
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create tables")
	}

	return &Database{db: db}, nil
}

func createTables(db *sqlx.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		room_key TEXT PRIMARY KEY,
		first_seen INTEGER NOT NULL,
		last_active INTEGER NOT NULL,
		segment_count INTEGER NOT NULL DEFAULT 0,
		clear_count INTEGER NOT NULL DEFAULT 0,
		peak_members INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_rooms_last_active ON rooms(last_active DESC);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// UpsertRoom records the latest activity of a room. FirstSeen is kept from
// the first insert and PeakMembers only ever grows.
func (d *Database) UpsertRoom(rec RoomRecord) error {
	_, err := d.db.Exec(`
		INSERT INTO rooms (room_key, first_seen, last_active, segment_count, clear_count, peak_members)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(room_key) DO UPDATE SET
			last_active = MAX(last_active, excluded.last_active),
			segment_count = excluded.segment_count,
			clear_count = excluded.clear_count,
			peak_members = MAX(peak_members, excluded.peak_members)
	`, rec.Key, rec.FirstSeen.UnixMilli(), rec.LastActive.UnixMilli(), rec.Segments, rec.Clears, rec.PeakMembers)
	return errors.Wrapf(err, "upsert room %q", rec.Key)
}

// GetRoom returns nil, nil when the room is unknown.
func (d *Database) GetRoom(key string) (*RoomRecord, error) {
	var row roomRow
	err := d.db.Get(&row, `
		SELECT room_key, first_seen, last_active, segment_count, clear_count, peak_members
		FROM rooms WHERE room_key = ?
	`, key)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get room %q", key)
	}
	rec := row.record()
	return &rec, nil
}

// ListRooms returns rooms, most recently active first.
func (d *Database) ListRooms(limit, offset int) ([]RoomRecord, error) {
	rows := []roomRow{}
	err := d.db.Select(&rows, `
		SELECT room_key, first_seen, last_active, segment_count, clear_count, peak_members
		FROM rooms
		ORDER BY last_active DESC, room_key ASC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "list rooms")
	}

	rooms := make([]RoomRecord, len(rows))
	for i, row := range rows {
		rooms[i] = row.record()
	}
	return rooms, nil
}

// Stats

func (d *Database) GetStats() (map[string]interface{}, error) {
	var totals struct {
		Rooms    int `db:"room_count"`
		Segments int `db:"segment_count"`
		Clears   int `db:"clear_count"`
	}
	err := d.db.Get(&totals, `
		SELECT COUNT(*) AS room_count,
			COALESCE(SUM(segment_count), 0) AS segment_count,
			COALESCE(SUM(clear_count), 0) AS clear_count
		FROM rooms
	`)
	if err != nil {
		return nil, errors.Wrap(err, "room stats")
	}

	return map[string]interface{}{
		"room_count":    totals.Rooms,
		"segment_count": totals.Segments,
		"clear_count":   totals.Clears,
	}, nil
}
