package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aeolun/warroom/pkg/rank"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

var logger = zerolog.Nop()

// SetLogger replaces the package logger. Call before opening stores.
func SetLogger(l zerolog.Logger) {
	logger = l.With().Str("component", "database").Logger()
}

// MaxPasswordBytes is the longest password bcrypt accepts.
const MaxPasswordBytes = 72

// ErrPasswordTooLong is returned by SignUp for passwords over MaxPasswordBytes.
var ErrPasswordTooLong = fmt.Errorf("password longer than %d bytes", MaxPasswordBytes)

// invalidRole wraps rank.ErrInvalidRole for a role outside the ladder.
func invalidRole(role rank.Role) error {
	return fmt.Errorf("%w: %d", rank.ErrInvalidRole, uint8(role))
}

// checkSignUp validates the arguments both stores hash and persist.
func checkSignUp(password string, role rank.Role) error {
	if !role.Valid() {
		return invalidRole(role)
	}
	if len(password) > MaxPasswordBytes {
		return ErrPasswordTooLong
	}
	return nil
}

// User is a registered account.
type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	Role         rank.Role
	CreatedAt    int64 // unix millis
}

// DB wraps the SQLite database holding accounts and the audit trail.
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)

	// BcryptCost is used for new password hashes. Tests lower it.
	BcryptCost int
}

var pragmas = []struct {
	stmt string
	desc string
}{
	{"PRAGMA journal_mode = WAL", "enable WAL mode"},
	{"PRAGMA busy_timeout = 5000", "set busy timeout"},
	{"PRAGMA foreign_keys = ON", "enable foreign keys"},
	{"PRAGMA synchronous = NORMAL", "set synchronous mode"},
}

func applyPragmas(conn *sql.DB) error {
	for _, p := range pragmas {
		if _, err := conn.Exec(p.stmt); err != nil {
			return fmt.Errorf("failed to %s: %w", p.desc, err)
		}
	}
	return nil
}

// Open opens the SQLite database at path and initializes the schema if needed.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL allows multiple readers alongside the single writer
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := applyPragmas(conn); err != nil {
		conn.Close()
		return nil, err
	}

	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := applyPragmas(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("write connection: %w", err)
	}

	db := &DB{
		conn:       conn,
		writeConn:  writeConn,
		BcryptCost: bcrypt.DefaultCost,
	}

	if err := db.initSchema(); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info().Str("path", path).Msg("database opened")
	return db, nil
}

func (db *DB) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS User (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	email TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	role TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS AuditEvent (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	performed_at INTEGER NOT NULL,
	ip_address TEXT NOT NULL,
	action_type TEXT NOT NULL,
	message TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_performed_at ON AuditEvent(performed_at);
CREATE INDEX IF NOT EXISTS idx_audit_action ON AuditEvent(action_type);
`
	_, err := db.writeConn.Exec(schema)
	return err
}

// Close closes both connections.
func (db *DB) Close() error {
	werr := db.writeConn.Close()
	if err := db.conn.Close(); err != nil {
		return err
	}
	return werr
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// SignUp registers a new account. It returns a nil user without error when
// the email or username is already registered.
func (db *DB) SignUp(username, email, password string, role rank.Role) (*User, error) {
	if err := checkSignUp(password, role); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), db.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        normalizeEmail(email),
		PasswordHash: string(hash),
		Role:         role,
		CreatedAt:    nowMillis(),
	}

	_, err = db.writeConn.Exec(`
		INSERT INTO User (id, username, email, password_hash, role, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, user.ID, user.Username, user.Email, user.PasswordHash, user.Role.String(), user.CreatedAt, user.CreatedAt)
	if isUniqueViolation(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	logger.Debug().Str("username", username).Str("role", role.String()).Msg("account created")
	return user, nil
}

// SignIn verifies credentials. Unknown email and wrong password both
// produce a nil user without error.
func (db *DB) SignIn(email, password string) (*User, error) {
	user, err := db.scanUser(db.conn.QueryRow(`
		SELECT id, username, email, password_hash, role, created_at
		FROM User
		WHERE email = ?
	`, normalizeEmail(email)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, nil
	}
	return user, nil
}

// SetRole changes a user's role. It returns a nil user without error when
// no account has that username.
func (db *DB) SetRole(username string, role rank.Role) (*User, error) {
	if !role.Valid() {
		return nil, invalidRole(role)
	}

	result, err := db.writeConn.Exec(`
		UPDATE User SET role = ?, updated_at = ? WHERE username = ?
	`, role.String(), nowMillis(), username)
	if err != nil {
		return nil, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, nil
	}

	// Read through the write connection so the update is visible
	user, err := db.scanUser(db.writeConn.QueryRow(`
		SELECT id, username, email, password_hash, role, created_at
		FROM User
		WHERE username = ?
	`, username))
	if err != nil {
		return nil, err
	}
	return user, nil
}

// GetUserByUsername returns sql.ErrNoRows if the user does not exist.
func (db *DB) GetUserByUsername(username string) (*User, error) {
	return db.scanUser(db.conn.QueryRow(`
		SELECT id, username, email, password_hash, role, created_at
		FROM User
		WHERE username = ?
	`, username))
}

// ListUsers returns all accounts sorted by username.
func (db *DB) ListUsers() ([]*User, error) {
	rows, err := db.conn.Query(`
		SELECT id, username, email, password_hash, role, created_at
		FROM User
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		user, err := db.scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (db *DB) scanUser(row rowScanner) (*User, error) {
	var (
		user     User
		roleName string
	)
	if err := row.Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &roleName, &user.CreatedAt); err != nil {
		return nil, err
	}
	role, err := rank.Parse(roleName)
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", user.Username, err)
	}
	user.Role = role
	return &user, nil
}

// InsertAuditEvents writes a batch of audit events in one transaction.
func (db *DB) InsertAuditEvents(events []AuditEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := db.writeConn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO AuditEvent (performed_at, ip_address, action_type, message)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, ev := range events {
		if _, err := stmt.Exec(ev.PerformedAt, ev.IPAddress, ev.ActionType, ev.Message); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListAuditEvents returns up to limit events, oldest first.
func (db *DB) ListAuditEvents(limit int) ([]AuditEvent, error) {
	rows, err := db.writeConn.Query(`
		SELECT id, performed_at, ip_address, action_type, message
		FROM AuditEvent
		ORDER BY id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var ev AuditEvent
		if err := rows.Scan(&ev.ID, &ev.PerformedAt, &ev.IPAddress, &ev.ActionType, &ev.Message); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
