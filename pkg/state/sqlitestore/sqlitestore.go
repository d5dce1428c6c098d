// Package sqlitestore persists arm state snapshots in SQLite.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gwillem/armctl/pkg/robot"
	"github.com/gwillem/armctl/pkg/state"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS arm_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	joint_targets TEXT NOT NULL,
	observed_joints TEXT NOT NULL,
	actuator_engaged INTEGER NOT NULL DEFAULT 0,
	held_object_id TEXT,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS tracked_objects (
	id TEXT PRIMARY KEY,
	x REAL NOT NULL,
	y REAL NOT NULL,
	z REAL NOT NULL,
	attached INTEGER NOT NULL DEFAULT 0
);
`

// Store implements state.Persister with SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and ensures the schema exists.
// Use ":memory:" for a throwaway database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared between calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load reads the stored snapshot.
func (s *Store) Load(ctx context.Context) (state.Snapshot, bool, error) {
	var (
		snap      state.Snapshot
		targets   string
		observed  string
		engaged   bool
		held      sql.NullString
		updatedAt time.Time
	)

	err := s.db.QueryRowContext(ctx,
		"SELECT joint_targets, observed_joints, actuator_engaged, held_object_id, updated_at FROM arm_state WHERE id = 1",
	).Scan(&targets, &observed, &engaged, &held, &updatedAt)
	if err == sql.ErrNoRows {
		return snap, false, nil
	}
	if err != nil {
		return snap, false, fmt.Errorf("failed to query arm state: %w", err)
	}

	if err := json.Unmarshal([]byte(targets), &snap.Arm.JointTargets); err != nil {
		return snap, false, fmt.Errorf("failed to decode joint targets: %w", err)
	}
	if err := json.Unmarshal([]byte(observed), &snap.Observed); err != nil {
		return snap, false, fmt.Errorf("failed to decode observed joints: %w", err)
	}
	snap.Arm.ActuatorEngaged = engaged
	snap.Arm.HeldObjectID = held.String
	snap.UpdatedAt = updatedAt

	rows, err := s.db.QueryContext(ctx, "SELECT id, x, y, z, attached FROM tracked_objects ORDER BY id")
	if err != nil {
		return snap, false, fmt.Errorf("failed to query objects: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var obj robot.TrackedObject
		if err := rows.Scan(&obj.ID, &obj.Position.X, &obj.Position.Y, &obj.Position.Z, &obj.Attached); err != nil {
			return snap, false, fmt.Errorf("failed to scan object: %w", err)
		}
		snap.Objects = append(snap.Objects, obj)
	}
	if err := rows.Err(); err != nil {
		return snap, false, err
	}

	return snap, true, nil
}

// Save replaces the stored snapshot in a single transaction.
func (s *Store) Save(ctx context.Context, snap state.Snapshot) error {
	targets, err := json.Marshal(snap.Arm.JointTargets)
	if err != nil {
		return err
	}
	observed, err := json.Marshal(snap.Observed)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var held sql.NullString
	if snap.Arm.HeldObjectID != "" {
		held = sql.NullString{String: snap.Arm.HeldObjectID, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO arm_state (id, joint_targets, observed_joints, actuator_engaged, held_object_id, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			joint_targets = excluded.joint_targets,
			observed_joints = excluded.observed_joints,
			actuator_engaged = excluded.actuator_engaged,
			held_object_id = excluded.held_object_id,
			updated_at = excluded.updated_at`,
		string(targets), string(observed), snap.Arm.ActuatorEngaged, held, snap.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save arm state: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM tracked_objects"); err != nil {
		return fmt.Errorf("failed to clear objects: %w", err)
	}
	for _, obj := range snap.Objects {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO tracked_objects (id, x, y, z, attached) VALUES (?, ?, ?, ?, ?)",
			obj.ID, obj.Position.X, obj.Position.Y, obj.Position.Z, obj.Attached,
		)
		if err != nil {
			return fmt.Errorf("failed to save object %s: %w", obj.ID, err)
		}
	}

	return tx.Commit()
}
