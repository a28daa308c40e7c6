// Package auditdb's Postgres backing store: connection setup (validated
// config, database/sql with the lib/pq driver, a bounded connection
// pool) and schema migration style (idempotent CREATE TABLE IF NOT
// EXISTS).
package auditdb

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"time"

	_ "github.com/lib/pq"

	"github.com/riftsec/auditcore/internal/auditerrors"
	"github.com/riftsec/auditcore/internal/data"
	"github.com/riftsec/auditcore/internal/logger"
)

// Config holds Postgres connection parameters, validated before being
// interpolated into a DSN string.
type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

var (
	hostnameRE = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-.]{0,253}[a-zA-Z0-9])?$`)
	identRE    = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

func (c Config) validate() error {
	if c.Host == "" {
		return auditerrors.Config("database host cannot be empty")
	}
	if net.ParseIP(c.Host) == nil && !hostnameRE.MatchString(c.Host) {
		return auditerrors.Config("invalid database host: " + c.Host)
	}
	if c.Port == "" {
		return auditerrors.Config("database port cannot be empty")
	}
	if port, err := strconv.Atoi(c.Port); err != nil || port < 1 || port > 65535 {
		return auditerrors.Config("invalid database port: " + c.Port)
	}
	if c.User == "" || !identRE.MatchString(c.User) {
		return auditerrors.Config("invalid database user: " + c.User)
	}
	if c.DBName == "" || !identRE.MatchString(c.DBName) {
		return auditerrors.Config("invalid database name: " + c.DBName)
	}
	return nil
}

// PostgresStore is a Store backed by a Postgres table per concern: items
// (identity-keyed JSONB blob), stage_progress, and plugin_progress.
type PostgresStore struct {
	db       *sql.DB
	registry *data.Registry
}

// NewPostgresStore opens a connection pool against config and ensures the
// schema exists. registry is used to reconstruct typed items out of the
// JSONB blob on Get/GetPending.
func NewPostgresStore(config Config, registry *data.Registry) (*PostgresStore, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, auditerrors.ConfigWrap("failed to open audit database", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, auditerrors.ConfigWrap("failed to ping audit database", err)
	}

	s := &PostgresStore{db: db, registry: registry}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audit_items (
			identity        TEXT PRIMARY KEY,
			kind            TEXT NOT NULL,
			subtype         TEXT NOT NULL,
			identity_fields JSONB NOT NULL,
			attrs           JSONB NOT NULL,
			links           JSONB NOT NULL DEFAULT '[]'
		)`,
		`CREATE TABLE IF NOT EXISTS audit_stage_progress (
			identity TEXT NOT NULL,
			stage    INTEGER NOT NULL,
			PRIMARY KEY (identity, stage)
		)`,
		`CREATE TABLE IF NOT EXISTS audit_plugin_progress (
			identity    TEXT NOT NULL,
			plugin_name TEXT NOT NULL,
			PRIMARY KEY (identity, plugin_name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stage_progress_stage ON audit_stage_progress (stage)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return auditerrors.ConfigWrap("audit database migration failed", err)
		}
	}
	return nil
}

func (s *PostgresStore) Add(item *data.Item) (AddResult, error) {
	existing, ok, err := s.Get(item.Identity())
	if err != nil {
		return 0, err
	}

	final := item
	result := Inserted
	if ok {
		final = data.Merge(existing, item)
		result = Merged
	}

	idf, err := json.Marshal(final.IdentityFields())
	if err != nil {
		return 0, err
	}
	attrs, err := json.Marshal(final.Attrs)
	if err != nil {
		return 0, err
	}
	links, err := json.Marshal(final.Links())
	if err != nil {
		return 0, err
	}

	_, err = s.db.Exec(`
		INSERT INTO audit_items (identity, kind, subtype, identity_fields, attrs, links)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (identity) DO UPDATE
		SET attrs = $5, links = $6`,
		final.Identity(), string(final.Kind()), final.Subtype(), idf, attrs, links)
	if err != nil {
		return 0, auditerrors.Fatal("audit database insert failed", err)
	}

	logger.Database().Debug().Str("identity", final.Identity()).Str("result", fmt.Sprint(result)).Msg("auditdb: item written")
	return result, nil
}

func (s *PostgresStore) Get(identity string) (*data.Item, bool, error) {
	var kind, subtype string
	var idfRaw, attrsRaw, linksRaw []byte

	row := s.db.QueryRow(`SELECT kind, subtype, identity_fields, attrs, links FROM audit_items WHERE identity = $1`, identity)
	switch err := row.Scan(&kind, &subtype, &idfRaw, &attrsRaw, &linksRaw); err {
	case sql.ErrNoRows:
		return nil, false, nil
	case nil:
		// fallthrough to decode below
	default:
		return nil, false, auditerrors.ConfigWrap("audit database read failed", err)
	}

	var idf, attrs map[string]any
	var links []string
	if err := json.Unmarshal(idfRaw, &idf); err != nil {
		return nil, false, err
	}
	if err := json.Unmarshal(attrsRaw, &attrs); err != nil {
		return nil, false, err
	}
	if err := json.Unmarshal(linksRaw, &links); err != nil {
		return nil, false, err
	}

	item, err := s.registry.Decode(data.Tag{Kind: data.Kind(kind), Subtype: subtype}, idf, attrs)
	if err != nil {
		return nil, false, err
	}
	item.RestoreLinks(links)
	return item, true, nil
}

func (s *PostgresStore) Has(identity string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM audit_items WHERE identity = $1)`, identity).Scan(&exists)
	if err != nil {
		return false, auditerrors.ConfigWrap("audit database existence check failed", err)
	}
	return exists, nil
}

func (s *PostgresStore) GetPending(stage int) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT identity FROM audit_items
		WHERE identity NOT IN (
			SELECT identity FROM audit_stage_progress WHERE stage = $1
		)`, stage)
	if err != nil {
		return nil, auditerrors.ConfigWrap("audit database pending query failed", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var identity string
		if err := rows.Scan(&identity); err != nil {
			return nil, err
		}
		out = append(out, identity)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkStageFinished(identity string, stage int) error {
	_, err := s.db.Exec(`
		INSERT INTO audit_stage_progress (identity, stage) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, identity, stage)
	return err
}

func (s *PostgresStore) MarkPluginFinished(identity, pluginName string) error {
	_, err := s.db.Exec(`
		INSERT INTO audit_plugin_progress (identity, plugin_name) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, identity, pluginName)
	return err
}

func (s *PostgresStore) HasPluginFinished(identity, pluginName string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM audit_plugin_progress WHERE identity = $1 AND plugin_name = $2)`,
		identity, pluginName).Scan(&exists)
	if err != nil {
		return false, auditerrors.ConfigWrap("audit database plugin-progress check failed", err)
	}
	return exists, nil
}

// Compact runs VACUUM ANALYZE over the audit tables.
func (s *PostgresStore) Compact() error {
	for _, tbl := range []string{"audit_items", "audit_stage_progress", "audit_plugin_progress"} {
		if _, err := s.db.Exec("VACUUM ANALYZE " + tbl); err != nil {
			return auditerrors.ConfigWrap("audit database compact failed", err)
		}
	}
	return nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }
