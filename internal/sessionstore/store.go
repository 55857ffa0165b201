package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	"mxgate/internal/config"
)

// ErrLocked means another process holds the session store. Exactly one
// writer may have it open: the daemon, or a login running while the
// daemon is stopped.
var ErrLocked = errors.New("session store is locked by another process")

// Store persists the authenticated session and the dialog cache in
// SQLite. Opening takes an exclusive file lock next to the database.
type Store struct {
	db   *sql.DB
	path string
	lock *flock.Flock
}

// Open initializes or connects to the session database and applies
// migrations. Returns ErrLocked when another process has it open.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	lock := flock.New(cfg.SessionLockPath())
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire session lock: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}

	dbPath := cfg.SessionDBPath()
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			_ = lock.Unlock()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath, lock: lock}
	if err := store.applyMigrations(context.Background()); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, err
	}

	return store, nil
}

// Close closes the database and releases the writer lock.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	var closeErr error
	if s.db != nil {
		closeErr = s.db.Close()
		s.db = nil
	}
	if s.lock != nil {
		if err := s.lock.Unlock(); err != nil && closeErr == nil {
			closeErr = fmt.Errorf("release session lock: %w", err)
		}
		s.lock = nil
	}
	return closeErr
}

// Path returns the database location.
func (s *Store) Path() string {
	return s.path
}

// SaveSession stores the authenticated session, replacing any previous
// one. CreatedAt is preserved across updates of the same identity.
func (s *Store) SaveSession(ctx context.Context, record SessionRecord) error {
	if record.Homeserver == "" || record.UserID == "" || record.AccessToken == "" {
		return errors.New("session record requires homeserver, user id, and access token")
	}

	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO session (id, homeserver, user_id, device_id, access_token, created_at, updated_at)
         VALUES (1, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(id) DO UPDATE SET
             homeserver = excluded.homeserver,
             user_id = excluded.user_id,
             device_id = excluded.device_id,
             access_token = excluded.access_token,
             updated_at = excluded.updated_at`,
		record.Homeserver,
		record.UserID,
		nullableString(record.DeviceID),
		record.AccessToken,
		timestamp,
		timestamp,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Session returns the stored session, or nil when none exists.
func (s *Store) Session(ctx context.Context) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT homeserver, user_id, device_id, access_token, created_at, updated_at FROM session WHERE id = 1`)

	var (
		homeserver string
		userID     string
		deviceID   sql.NullString
		token      string
		createdRaw string
		updatedRaw string
	)
	err := row.Scan(&homeserver, &userID, &deviceID, &token, &createdRaw, &updatedRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	record := &SessionRecord{
		Homeserver:  homeserver,
		UserID:      userID,
		DeviceID:    deviceID.String,
		AccessToken: token,
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		record.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		record.UpdatedAt = updated
	}
	return record, nil
}

// ClearSession drops the stored session and everything derived from it
// (sync position, dialog cache). Called when the homeserver rejects the
// token, so later starts go straight to the logged-out state instead of
// replaying a dead credential.
func (s *Store) ClearSession(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clear tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, stmt := range []string{
		`DELETE FROM session WHERE id = 1`,
		`DELETE FROM sync_state WHERE id = 1`,
		`DELETE FROM dialogs`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("clear session: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit clear: %w", err)
	}
	return nil
}

// SaveNextBatch records the sync position so restarts resume where the
// previous run left off instead of replaying the full timeline.
func (s *Store) SaveNextBatch(ctx context.Context, token string) error {
	timestamp := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO sync_state (id, next_batch, updated_at)
         VALUES (1, ?, ?)
         ON CONFLICT(id) DO UPDATE SET
             next_batch = excluded.next_batch,
             updated_at = excluded.updated_at`,
		token,
		timestamp,
	)
	if err != nil {
		return fmt.Errorf("save next batch: %w", err)
	}
	return nil
}

// NextBatch returns the stored sync position, or empty when the store
// has never synced.
func (s *Store) NextBatch(ctx context.Context) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT next_batch FROM sync_state WHERE id = 1`)
	var token string
	err := row.Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load next batch: %w", err)
	}
	return token, nil
}

// ReplaceDialogs swaps the dialog cache for a fresh snapshot in one
// transaction.
func (s *Store) ReplaceDialogs(ctx context.Context, dialogs []Dialog) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin dialog tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM dialogs`); err != nil {
		return fmt.Errorf("clear dialogs: %w", err)
	}

	timestamp := time.Now().UTC().Format(time.RFC3339Nano)
	for _, dialog := range dialogs {
		if dialog.RoomID == "" {
			return errors.New("dialog requires a room id")
		}
		lastActivity := ""
		if !dialog.LastActivity.IsZero() {
			lastActivity = dialog.LastActivity.UTC().Format(time.RFC3339Nano)
		}
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO dialogs (room_id, name, canonical_alias, is_direct, unread_count, last_activity, updated_at)
             VALUES (?, ?, ?, ?, ?, ?, ?)`,
			dialog.RoomID,
			dialog.Name,
			dialog.CanonicalAlias,
			boolToInt(dialog.IsDirect),
			dialog.UnreadCount,
			lastActivity,
			timestamp,
		); err != nil {
			return fmt.Errorf("insert dialog %s: %w", dialog.RoomID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit dialogs: %w", err)
	}
	return nil
}

// Dialogs returns the cached conversations ordered by display name.
func (s *Store) Dialogs(ctx context.Context) ([]Dialog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT room_id, name, canonical_alias, is_direct, unread_count, last_activity, updated_at
         FROM dialogs ORDER BY name, room_id`)
	if err != nil {
		return nil, fmt.Errorf("query dialogs: %w", err)
	}
	defer rows.Close()

	var dialogs []Dialog
	for rows.Next() {
		var (
			dialog      Dialog
			isDirect    int
			activityRaw string
			updatedRaw  string
		)
		if err := rows.Scan(&dialog.RoomID, &dialog.Name, &dialog.CanonicalAlias, &isDirect, &dialog.UnreadCount, &activityRaw, &updatedRaw); err != nil {
			return nil, fmt.Errorf("scan dialog: %w", err)
		}
		dialog.IsDirect = isDirect != 0
		if activity, err := parseTimeString(activityRaw); err == nil {
			dialog.LastActivity = activity
		}
		if updated, err := parseTimeString(updatedRaw); err == nil {
			dialog.UpdatedAt = updated
		}
		dialogs = append(dialogs, dialog)
	}
	return dialogs, rows.Err()
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	return time.Parse(time.RFC3339Nano, value)
}
