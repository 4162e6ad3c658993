package nodecache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver

	"grimm.is/ferric/internal/clock"
	"grimm.is/ferric/internal/ferr"
	"grimm.is/ferric/internal/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	uuid        TEXT PRIMARY KEY,
	state       TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER,
	updated_at  INTEGER NOT NULL,
	error_kind  TEXT,
	error_msg   TEXT,
	diagnostic  TEXT,
	result      TEXT
);

CREATE TABLE IF NOT EXISTS attributes (
	name  TEXT NOT NULL,
	value TEXT NOT NULL,
	uuid  TEXT NOT NULL,
	PRIMARY KEY (name, value),
	FOREIGN KEY (uuid) REFERENCES nodes(uuid)
);

CREATE TABLE IF NOT EXISTS options (
	uuid  TEXT NOT NULL,
	name  TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (uuid, name),
	FOREIGN KEY (uuid) REFERENCES nodes(uuid)
);

CREATE TABLE IF NOT EXISTS rules (
	uuid        TEXT PRIMARY KEY,
	position    INTEGER NOT NULL,
	description TEXT,
	spec        TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_nodes_state ON nodes(state);
CREATE INDEX IF NOT EXISTS idx_attributes_uuid ON attributes(uuid);
`

// Options configures the store.
type Options struct {
	// Path is the SQLite database path, or ":memory:" for tests.
	Path string
	// Clock supplies time for timestamps and the timeout sweep.
	Clock clock.Clock
	// Logger, if nil, defaults to the package default logger.
	Logger *logging.Logger
}

// DefaultOptions returns sensible defaults for the given database path.
func DefaultOptions(path string) Options {
	return Options{Path: path}
}

// Store is the SQLite-backed node introspection record store.
//
// Cross-record reads (whitelist computation, listing) run concurrently with
// writes; per-record mutation is serialized by the lock table plus SQLite's
// own write serialization.
type Store struct {
	db     *sql.DB
	clock  clock.Clock
	logger *logging.Logger
	locks  *lockTable
}

// New opens (and if needed creates) the store at opts.Path.
func New(opts Options) (*Store, error) {
	dsn := opts.Path
	if dsn != ":memory:" {
		dsn += "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// modernc.org/sqlite serializes access per connection; a single
	// connection avoids both SQLITE_BUSY and, for :memory:, each
	// connection getting its own empty database.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	return &Store{
		db:     db,
		clock:  clk,
		logger: logger.WithComponent("nodecache"),
		locks:  newLockTable(),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for collaborators that share the
// database, such as the rule store.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Start creates a new record in StateWaiting for nodeID with the given
// lookup attributes (MACAttribute values are normalized, empty values
// skipped). A previous finished or errored record for the node is replaced.
// Returns Conflict if an attempt is already active for this node, or if one
// of the attributes is claimed by another active attempt.
func (s *Store) Start(nodeID string, attrs map[string][]string) (*Record, error) {
	now := s.clock.Now()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var state string
	err = tx.QueryRow(`SELECT state FROM nodes WHERE uuid = ?`, nodeID).Scan(&state)
	switch {
	case err == sql.ErrNoRows:
		// first attempt for this node
	case err != nil:
		return nil, err
	case State(state).Active():
		return nil, ferr.Conflict("introspection is already active for node %s", nodeID)
	}

	if _, err := tx.Exec(`DELETE FROM attributes WHERE uuid = ?`, nodeID); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(`DELETE FROM options WHERE uuid = ?`, nodeID); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(`DELETE FROM nodes WHERE uuid = ?`, nodeID); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(
		`INSERT INTO nodes (uuid, state, started_at, updated_at) VALUES (?, ?, ?, ?)`,
		nodeID, string(StateWaiting), now.UnixNano(), now.UnixNano(),
	); err != nil {
		return nil, err
	}

	rec := &Record{
		ID:        nodeID,
		State:     StateWaiting,
		StartedAt: now,
		UpdatedAt: now,
	}

	for name, values := range attrs {
		cleaned, err := s.insertAttributes(tx, nodeID, name, values)
		if err != nil {
			return nil, err
		}
		if name == MACAttribute {
			rec.MACs = cleaned
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.logger.Info("introspection started", "node", nodeID, "macs", len(rec.MACs))
	return rec, nil
}

// AddAttribute stores additional lookup attribute values for an active
// record. MACAttribute values are normalized before storage.
func (s *Store) AddAttribute(nodeID, name string, values []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := s.insertAttributes(tx, nodeID, name, values); err != nil {
		return err
	}
	return tx.Commit()
}

// SetOption stores a named per-record option, JSON-encoded, replacing any
// previous value. Options carry pass-scoped bookkeeping (hook scratch data,
// enrollment provenance) and live and die with the record.
func (s *Store) SetOption(nodeID, name string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode option %s: %w", name, err)
	}

	var exists int
	err = s.db.QueryRow(`SELECT 1 FROM nodes WHERE uuid = ?`, nodeID).Scan(&exists)
	if err == sql.ErrNoRows {
		return ferr.NotFound("could not find node %s in cache", nodeID)
	}
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		`INSERT INTO options (uuid, name, value) VALUES (?, ?, ?)
		 ON CONFLICT (uuid, name) DO UPDATE SET value = excluded.value`,
		nodeID, name, string(data))
	return err
}

// Options returns all options stored for nodeID. A node with no options
// yields an empty map; an unknown node is NotFound.
func (s *Store) Options(nodeID string) (map[string]any, error) {
	var exists int
	err := s.db.QueryRow(`SELECT 1 FROM nodes WHERE uuid = ?`, nodeID).Scan(&exists)
	if err == sql.ErrNoRows {
		return nil, ferr.NotFound("could not find node %s in cache", nodeID)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`SELECT name, value FROM options WHERE uuid = ?`, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	opts := make(map[string]any)
	for rows.Next() {
		var name, raw string
		if err := rows.Scan(&name, &raw); err != nil {
			return nil, err
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			return nil, fmt.Errorf("corrupt option %s for node %s: %w", name, nodeID, err)
		}
		opts[name] = value
	}
	return opts, rows.Err()
}

func (s *Store) insertAttributes(tx *sql.Tx, nodeID, name string, values []string) ([]string, error) {
	var cleaned []string
	for _, v := range values {
		if name == MACAttribute {
			v = NormalizeMAC(v)
		}
		if v == "" {
			continue
		}
		if _, err := tx.Exec(
			`INSERT INTO attributes (name, value, uuid) VALUES (?, ?, ?)`,
			name, v, nodeID,
		); err != nil {
			return nil, ferr.Conflict(
				"attribute %s=%s is already claimed by an active introspection", name, v)
		}
		cleaned = append(cleaned, v)
	}
	return cleaned, nil
}

// Get returns the record for nodeID, or NotFound.
func (s *Store) Get(nodeID string) (*Record, error) {
	rec, err := s.scanRecord(s.db.QueryRow(
		`SELECT uuid, state, started_at, finished_at, updated_at,
		        error_kind, error_msg, diagnostic, result
		 FROM nodes WHERE uuid = ?`, nodeID))
	if err == sql.ErrNoRows {
		return nil, ferr.NotFound("could not find node %s in cache", nodeID)
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadMACs(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Find locates the single active record matching any of the given lookup
// attributes (MAC addresses, BMC address). Returns NotFound when nothing
// matches and Conflict when the attributes span more than one node.
func (s *Store) Find(attrs map[string][]string) (*Record, error) {
	found := make(map[string]struct{})

	// Sorted iteration for predictable lookups and error messages.
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		for _, v := range attrs[name] {
			if name == MACAttribute {
				v = NormalizeMAC(v)
			}
			if v == "" {
				continue
			}
			rows, err := s.db.Query(
				`SELECT DISTINCT uuid FROM attributes WHERE name = ? AND value = ?`,
				name, v)
			if err != nil {
				return nil, err
			}
			for rows.Next() {
				var id string
				if err := rows.Scan(&id); err != nil {
					rows.Close()
					return nil, err
				}
				found[id] = struct{}{}
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return nil, err
			}
			rows.Close()
		}
	}

	if len(found) == 0 {
		return nil, ferr.NotFound("could not find a node matching the posted attributes")
	}
	if len(found) > 1 {
		ids := make([]string, 0, len(found))
		for id := range found {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		return nil, ferr.Conflict("attributes match multiple nodes: %v", ids)
	}

	for id := range found {
		return s.Get(id)
	}
	panic("unreachable")
}

// BeginProcessing takes the node's exclusive lock and moves the record from
// waiting to processing. The lock is held until Finish, Fail or a timeout
// sweep. Returns AlreadyLocked without blocking if another pass is running,
// NotFound if no record exists, InvalidState if the record is not waiting.
func (s *Store) BeginProcessing(nodeID string) (*Record, error) {
	if !s.locks.TryAcquire(nodeID) {
		return nil, ferr.AlreadyLocked("a processing pass is already running for node %s", nodeID)
	}

	rec, err := s.beginProcessingLocked(nodeID)
	if err != nil {
		s.locks.Release(nodeID)
		return nil, err
	}
	return rec, nil
}

func (s *Store) beginProcessingLocked(nodeID string) (*Record, error) {
	// The transition is a conditional write, so a timeout sweep racing this
	// call can never be overwritten and a reaped record never resurrected.
	now := s.clock.Now()
	res, err := s.db.Exec(
		`UPDATE nodes SET state = ?, updated_at = ? WHERE uuid = ? AND state = ?`,
		string(StateProcessing), now.UnixNano(), nodeID, string(StateWaiting),
	)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		rec, err := s.Get(nodeID)
		if err != nil {
			return nil, err
		}
		return nil, ferr.InvalidState(
			"cannot begin processing for node %s in state %s", nodeID, rec.State)
	}
	return s.Get(nodeID)
}

// Finish records a successful pass: stores the result document, sets
// finished-at, drops lookup attributes and releases the lock. Valid only
// from StateProcessing.
func (s *Store) Finish(nodeID string, result map[string]any) error {
	return s.complete(nodeID, StateFinished, "", "", result)
}

// Fail records a failed pass with the given error kind and message,
// releasing the lock. Valid only from StateProcessing.
func (s *Store) Fail(nodeID, kind, message string) error {
	return s.complete(nodeID, StateError, kind, message, nil)
}

func (s *Store) complete(nodeID string, to State, kind, message string, result map[string]any) error {
	// Release only once the record is confirmed to be in this caller's
	// processing pass. A stale Finish after a timeout sweep must not free
	// a lock a newer pass may hold.
	held := false
	defer func() {
		if held {
			s.locks.Release(nodeID)
		}
	}()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var state string
	err = tx.QueryRow(`SELECT state FROM nodes WHERE uuid = ?`, nodeID).Scan(&state)
	if err == sql.ErrNoRows {
		return ferr.NotFound("could not find node %s in cache", nodeID)
	}
	if err != nil {
		return err
	}
	if State(state) != StateProcessing {
		return ferr.InvalidState(
			"cannot complete introspection for node %s in state %s", nodeID, state)
	}
	held = true

	now := s.clock.Now()
	var resultJSON any
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		resultJSON = string(data)
	}

	if _, err := tx.Exec(
		`UPDATE nodes SET state = ?, finished_at = ?, updated_at = ?,
		        error_kind = ?, error_msg = ?, result = ?
		 WHERE uuid = ?`,
		string(to), now.UnixNano(), now.UnixNano(),
		nullable(kind), nullable(message), resultJSON, nodeID,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM attributes WHERE uuid = ?`, nodeID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	if to == StateError {
		s.logger.Warn("introspection failed", "node", nodeID, "kind", kind, "error", message)
	} else {
		s.logger.Info("introspection finished", "node", nodeID)
	}
	return nil
}

// UpdateResult replaces the stored result document. Used by the rule engine
// to persist attribute and capability changes after the pipeline finished.
func (s *Store) UpdateResult(nodeID string, result map[string]any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	res, err := s.db.Exec(
		`UPDATE nodes SET result = ?, updated_at = ? WHERE uuid = ?`,
		string(data), s.clock.Now().UnixNano(), nodeID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ferr.NotFound("could not find node %s in cache", nodeID)
	}
	return nil
}

// SetDiagnostic records a secondary problem on a record without changing
// its state, e.g. a rule pass failing on an otherwise finished node.
func (s *Store) SetDiagnostic(nodeID, message string) error {
	res, err := s.db.Exec(
		`UPDATE nodes SET diagnostic = ? WHERE uuid = ?`, message, nodeID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ferr.NotFound("could not find node %s in cache", nodeID)
	}
	return nil
}

// ActiveMACs returns the MAC addresses of all records currently in
// StateWaiting. This is the desired PXE whitelist.
func (s *Store) ActiveMACs() ([]string, error) {
	rows, err := s.db.Query(
		`SELECT a.value FROM attributes a
		 JOIN nodes n ON n.uuid = a.uuid
		 WHERE a.name = ? AND n.state = ?
		 ORDER BY a.value`,
		MACAttribute, string(StateWaiting))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var macs []string
	for rows.Next() {
		var mac string
		if err := rows.Scan(&mac); err != nil {
			return nil, err
		}
		macs = append(macs, mac)
	}
	return macs, rows.Err()
}

// List returns all records, newest first.
func (s *Store) List() ([]*Record, error) {
	rows, err := s.db.Query(
		`SELECT uuid, state, started_at, finished_at, updated_at,
		        error_kind, error_msg, diagnostic, result
		 FROM nodes ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		rec, err := s.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if err := s.loadMACs(rec); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

// TimeoutSweep force-fails active records whose last update is older than
// ttl, releasing their locks, and prunes terminal records older than keep.
// It returns the IDs of the timed-out nodes. A ttl of zero disables the
// timeout; a keep of zero disables pruning.
func (s *Store) TimeoutSweep(ttl, keep time.Duration) ([]string, error) {
	now := s.clock.Now()

	if keep > 0 {
		cutoff := now.Add(-keep).UnixNano()
		if _, err := s.db.Exec(
			`DELETE FROM options WHERE uuid IN
			 (SELECT uuid FROM nodes WHERE finished_at IS NOT NULL AND finished_at < ?)`,
			cutoff,
		); err != nil {
			return nil, err
		}
		if _, err := s.db.Exec(
			`DELETE FROM nodes WHERE finished_at IS NOT NULL AND finished_at < ?`,
			cutoff,
		); err != nil {
			return nil, err
		}
	}

	if ttl <= 0 {
		return nil, nil
	}
	threshold := now.Add(-ttl).UnixNano()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT uuid FROM nodes
		 WHERE state IN (?, ?) AND updated_at < ?`,
		string(StateWaiting), string(StateProcessing), threshold)
	if err != nil {
		return nil, err
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		stale = append(stale, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(stale) == 0 {
		return nil, tx.Commit()
	}

	for _, id := range stale {
		if _, err := tx.Exec(
			`UPDATE nodes SET state = ?, finished_at = ?, updated_at = ?,
			        error_kind = ?, error_msg = ?
			 WHERE uuid = ?`,
			string(StateError), now.UnixNano(), now.UnixNano(),
			string(ferr.KindTimeout), "introspection timeout", id,
		); err != nil {
			return nil, err
		}
		if _, err := tx.Exec(`DELETE FROM attributes WHERE uuid = ?`, id); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	for _, id := range stale {
		s.locks.Release(id)
	}
	s.logger.Error("introspection timed out", "nodes", stale, "ttl", ttl)
	return stale, nil
}

// LockHeld reports whether a processing pass currently holds the node's
// lock. Exposed for status reporting and tests.
func (s *Store) LockHeld(nodeID string) bool {
	return s.locks.Held(nodeID)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanRecord(row rowScanner) (*Record, error) {
	var (
		rec        Record
		state      string
		startedAt  int64
		finishedAt sql.NullInt64
		updatedAt  int64
		errorKind  sql.NullString
		errorMsg   sql.NullString
		diagnostic sql.NullString
		result     sql.NullString
	)
	err := row.Scan(&rec.ID, &state, &startedAt, &finishedAt, &updatedAt,
		&errorKind, &errorMsg, &diagnostic, &result)
	if err != nil {
		return nil, err
	}

	rec.State = State(state)
	rec.StartedAt = time.Unix(0, startedAt)
	rec.UpdatedAt = time.Unix(0, updatedAt)
	if finishedAt.Valid {
		rec.FinishedAt = time.Unix(0, finishedAt.Int64)
	}
	rec.ErrorKind = errorKind.String
	rec.ErrorMessage = errorMsg.String
	rec.Diagnostic = diagnostic.String
	if result.Valid && result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &rec.Result); err != nil {
			return nil, fmt.Errorf("corrupt result document for node %s: %w", rec.ID, err)
		}
	}
	return &rec, nil
}

func (s *Store) loadMACs(rec *Record) error {
	rows, err := s.db.Query(
		`SELECT value FROM attributes WHERE uuid = ? AND name = ? ORDER BY value`,
		rec.ID, MACAttribute)
	if err != nil {
		return err
	}
	defer rows.Close()

	rec.MACs = nil
	for rows.Next() {
		var mac string
		if err := rows.Scan(&mac); err != nil {
			return err
		}
		rec.MACs = append(rec.MACs, mac)
	}
	return rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
