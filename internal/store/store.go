package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sourceplane/eapm/internal/model"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("dispatch not found")

// Store persists dispatch contexts so retrieval survives a process restart
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and opens the sqlite database at path
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite",
		fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an open database and makes sure the schema exists
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS dispatches (
		run_id TEXT PRIMARY KEY,
		flow_id TEXT NOT NULL DEFAULT '',
		simulation_name TEXT NOT NULL DEFAULT '',
		script_name TEXT NOT NULL,
		program TEXT NOT NULL DEFAULT '',
		cluster TEXT NOT NULL,
		remote TEXT NOT NULL,
		local_dir TEXT NOT NULL,
		remote_dir TEXT NOT NULL DEFAULT '',
		remote_container TEXT NOT NULL DEFAULT '',
		uploaded_folder INTEGER NOT NULL DEFAULT 0,
		job_ids TEXT NOT NULL DEFAULT '[]',
		remove_folder_on_finish INTEGER NOT NULL DEFAULT 1,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_dispatches_created ON dispatches(created_at);
	`
	if _, err := s.db.Exec(createTableSQL); err != nil {
		return fmt.Errorf("failed to create dispatches table: %w", err)
	}
	return nil
}

// Save inserts or replaces a dispatch context
func (s *Store) Save(d *model.DispatchContext) error {
	if d.RunID == "" {
		return fmt.Errorf("dispatch context has no run ID")
	}
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	remote, err := json.Marshal(d.Remote)
	if err != nil {
		return fmt.Errorf("failed to encode remote: %w", err)
	}
	jobIDs, err := json.Marshal(d.JobIDs)
	if err != nil {
		return fmt.Errorf("failed to encode job IDs: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO dispatches (
			run_id, flow_id, simulation_name, script_name, program, cluster, remote,
			local_dir, remote_dir, remote_container, uploaded_folder, job_ids,
			remove_folder_on_finish, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.RunID, d.FlowID, d.SimulationName, d.ScriptName, d.Program, string(d.Cluster), string(remote),
		d.LocalDir, d.RemoteDir, d.RemoteContainer, boolToInt(d.UploadedFolder), string(jobIDs),
		boolToInt(d.RemoveFolderOnFinish), d.Status, d.CreatedAt.UnixNano(), d.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save dispatch %s: %w", d.RunID, err)
	}
	return nil
}

// Get loads a dispatch by run ID
func (s *Store) Get(runID string) (*model.DispatchContext, error) {
	row := s.db.QueryRow(selectColumns+` WHERE run_id = ?`, runID)
	d, err := scanDispatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// List returns dispatches, newest first. limit <= 0 means all.
func (s *Store) List(limit int) ([]*model.DispatchContext, error) {
	query := selectColumns + ` ORDER BY created_at DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dispatches: %w", err)
	}
	defer rows.Close()

	var result []*model.DispatchContext
	for rows.Next() {
		d, err := scanDispatch(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// UpdateStatus sets the status of a stored dispatch
func (s *Store) UpdateStatus(runID, status string) error {
	res, err := s.db.Exec(`UPDATE dispatches SET status = ?, updated_at = ? WHERE run_id = ?`,
		status, time.Now().UTC().UnixNano(), runID)
	if err != nil {
		return fmt.Errorf("failed to update dispatch %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return nil
}

// Delete removes a dispatch record
func (s *Store) Delete(runID string) error {
	if _, err := s.db.Exec(`DELETE FROM dispatches WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("failed to delete dispatch %s: %w", runID, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const selectColumns = `
	SELECT run_id, flow_id, simulation_name, script_name, program, cluster, remote,
		local_dir, remote_dir, remote_container, uploaded_folder, job_ids,
		remove_folder_on_finish, status, created_at, updated_at
	FROM dispatches`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDispatch(row scanner) (*model.DispatchContext, error) {
	var (
		d                   model.DispatchContext
		cluster, remote     string
		jobIDs              string
		uploaded, removeDir int
		created, updated    int64
	)
	err := row.Scan(&d.RunID, &d.FlowID, &d.SimulationName, &d.ScriptName, &d.Program, &cluster, &remote,
		&d.LocalDir, &d.RemoteDir, &d.RemoteContainer, &uploaded, &jobIDs,
		&removeDir, &d.Status, &created, &updated)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(remote), &d.Remote); err != nil {
		return nil, fmt.Errorf("failed to decode remote for %s: %w", d.RunID, err)
	}
	if err := json.Unmarshal([]byte(jobIDs), &d.JobIDs); err != nil {
		return nil, fmt.Errorf("failed to decode job IDs for %s: %w", d.RunID, err)
	}
	d.Cluster = model.Cluster(cluster)
	d.UploadedFolder = uploaded != 0
	d.RemoveFolderOnFinish = removeDir != 0
	d.CreatedAt = time.Unix(0, created).UTC()
	d.UpdatedAt = time.Unix(0, updated).UTC()
	return &d, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
