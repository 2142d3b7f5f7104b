package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	logx "reminderd/pkg/logx"
)

//go:embed schema_sqlite.sql schema_postgres.sql
var schemaFS embed.FS

// Client owns the database handle. It can be stopped and started again, which
// is how the connection supervisor reconnects.
type Client struct {
	cfg     Config
	log     logx.Logger
	dialect dialect

	mu sync.RWMutex
	db *sql.DB
}

func NewClient(cfg Config, log logx.Logger) (*Client, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg.Driver = strings.ToLower(strings.TrimSpace(cfg.Driver))
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("storage dsn is required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	return &Client{cfg: cfg, log: log, dialect: d}, nil
}

// Attach wraps an already opened handle. The client is started. Stop closes db.
func Attach(db *sql.DB, driver string, log logx.Logger) (*Client, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{cfg: Config{Driver: driver}, log: log, dialect: d, db: db}, nil
}

func (c *Client) Driver() string { return c.dialect.name }

// Start opens the database, verifies it with a ping and applies the schema.
// Calling Start on a started client is a no-op.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db != nil {
		return nil
	}

	db, err := c.open()
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(cctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("ping %s: %w", c.dialect.name, err)
	}
	if err := c.migrate(cctx, db); err != nil {
		_ = db.Close()
		return fmt.Errorf("migrate %s: %w", c.dialect.name, err)
	}
	c.db = db
	c.log.Info("job store connected", logx.String("driver", c.dialect.name))
	return nil
}

// Stop closes the database. Store calls fail with ErrNotConnected until the
// next Start.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	db := c.db
	c.db = nil
	c.mu.Unlock()
	if db == nil {
		return nil
	}
	c.log.Debug("job store closed", logx.String("driver", c.dialect.name))
	return db.Close()
}

func (c *Client) DB() (*sql.DB, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.db == nil {
		return nil, ErrNotConnected
	}
	return c.db, nil
}

func (c *Client) open() (*sql.DB, error) {
	switch c.dialect.name {
	case DriverSQLite:
		path, _, _ := strings.Cut(strings.TrimPrefix(c.cfg.DSN, "file:"), "?")
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		db, err := sql.Open("sqlite", sqliteDSN(c.cfg.DSN, c.cfg.BusyTimeout))
		if err != nil {
			return nil, err
		}
		// SQLite prefers a single writer.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		return db, nil
	case DriverPostgres:
		connector, err := pq.NewConnector(c.cfg.DSN)
		if err != nil {
			return nil, err
		}
		db := sql.OpenDB(connector)
		if c.cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(c.cfg.MaxOpenConns)
		}
		return db, nil
	}
	return nil, fmt.Errorf("unknown storage driver: %s", c.dialect.name)
}

func (c *Client) migrate(ctx context.Context, db *sql.DB) error {
	b, err := schemaFS.ReadFile(c.dialect.schema)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, string(b))
	return err
}

type dialect struct {
	name   string
	schema string
	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
}

func dialectFor(driver string) (dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverSQLite, "sqlite3":
		return dialect{name: DriverSQLite, schema: "schema_sqlite.sql"}, nil
	case DriverPostgres, "postgresql", "pg":
		return dialect{name: DriverPostgres, schema: "schema_postgres.sql", numbered: true}, nil
	}
	return dialect{}, fmt.Errorf("unknown storage driver: %q", driver)
}

// rebind rewrites ? placeholders for dialects that number them.
func (d dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// sqliteDSN appends the connection pragmas to dsn. The driver runs _pragma
// parameters on every new connection and fails the open when one is rejected.
func sqliteDSN(dsn string, busyTimeout time.Duration) string {
	pragmas := []string{"_pragma=journal_mode(WAL)"}
	if busyTimeout > 0 {
		pragmas = append([]string{fmt.Sprintf("_pragma=busy_timeout(%d)", busyTimeout.Milliseconds())}, pragmas...)
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(pragmas, "&")
}
