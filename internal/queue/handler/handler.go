// Package handler turns queue options (dsn, credentials, table name) into an
// open store. It owns connection setup and pooling; the stores only ever see
// a ready pool and a validated table name.
package handler

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	mysqldrv "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aridsondez/leaseq/internal/queue"
	"github.com/aridsondez/leaseq/internal/queue/store"
	"github.com/aridsondez/leaseq/internal/queue/store/mysql"
	"github.com/aridsondez/leaseq/internal/queue/store/postgres"
	"github.com/aridsondez/leaseq/internal/queue/store/sqlite"
)

// Recognized option keys. Anything else in the map is ignored.
const (
	OptDSN       = "dsn"
	OptUsername  = "username"
	OptPassword  = "password"
	OptTableName = "table_name"
)

type Driver string

const (
	Postgres Driver = "postgres"
	MySQL    Driver = "mysql"
	SQLite   Driver = "sqlite"
)

type Options struct {
	DSN       string
	Username  string
	Password  string
	TableName string
}

// FromOptions picks the recognized keys out of opts.
func FromOptions(opts map[string]string) Options {
	return Options{
		DSN:       strings.TrimSpace(opts[OptDSN]),
		Username:  opts[OptUsername],
		Password:  opts[OptPassword],
		TableName: strings.TrimSpace(opts[OptTableName]),
	}
}

// Handler is a validated set of options ready to open stores.
type Handler struct {
	driver Driver
	table  string
	// conn is the Postgres connection string with credentials applied, or
	// the SQLite file path.
	conn string
	// mysqlCfg is set for the MySQL driver instead of conn.
	mysqlCfg *mysqldrv.Config
}

// New validates opts. An empty table name means store.DefaultTableName.
func New(opts map[string]string) (*Handler, error) {
	o := FromOptions(opts)
	if o.DSN == "" {
		return nil, fmt.Errorf("%w: dsn is required", queue.ErrInvalidArgument)
	}
	if o.TableName == "" {
		o.TableName = store.DefaultTableName
	}
	if _, err := store.SplitTableName(o.TableName); err != nil {
		return nil, err
	}

	h := &Handler{table: o.TableName}
	switch {
	case hasPrefixFold(o.DSN, "postgres://"), hasPrefixFold(o.DSN, "postgresql://"):
		conn, err := urlWithCredentials(o.DSN, o.Username, o.Password)
		if err != nil {
			return nil, err
		}
		h.driver, h.conn = Postgres, conn
	case hasPrefixFold(o.DSN, "pgsql:"):
		h.driver = Postgres
		h.conn = keywordValue(parsePDOParams(o.DSN[len("pgsql:"):]), o.Username, o.Password)
	case hasPrefixFold(o.DSN, "mysql:"):
		cfg, err := mysqlConfig(parsePDOParams(o.DSN[len("mysql:"):]), o.Username, o.Password)
		if err != nil {
			return nil, err
		}
		h.driver, h.mysqlCfg = MySQL, cfg
	case hasPrefixFold(o.DSN, "sqlite:"):
		path := o.DSN[len("sqlite:"):]
		if path == "" {
			return nil, fmt.Errorf("%w: sqlite dsn %q has no path", queue.ErrInvalidArgument, o.DSN)
		}
		if strings.Contains(o.TableName, ".") {
			return nil, fmt.Errorf("%w: sqlite table name %q must not be schema-qualified", queue.ErrInvalidArgument, o.TableName)
		}
		h.driver, h.conn = SQLite, path
	default:
		scheme, _, _ := strings.Cut(o.DSN, ":")
		return nil, fmt.Errorf("%w: unsupported dsn driver %q", queue.ErrInvalidArgument, scheme)
	}
	return h, nil
}

func (h *Handler) Driver() Driver { return h.driver }

// Table is the queue's storage location.
func (h *Handler) Table() string { return h.table }

// ConnString is the connection string with credentials applied: libpq form
// for Postgres, go-sql-driver form for MySQL. It is empty for SQLite.
func (h *Handler) ConnString() string {
	switch h.driver {
	case Postgres:
		return h.conn
	case MySQL:
		return h.mysqlCfg.FormatDSN()
	default:
		return ""
	}
}

type openConfig struct {
	connectTimeout time.Duration
	notifyChannel  string
	sqliteOpts     []sqlite.Option
}

type OpenOption func(*openConfig)

// WithConnectTimeout bounds the initial connection and ping.
func WithConnectTimeout(d time.Duration) OpenOption {
	return func(c *openConfig) { c.connectTimeout = d }
}

// WithNotifyChannel makes a Postgres store publish enqueues on channel.
// Ignored by the other drivers.
func WithNotifyChannel(channel string) OpenOption {
	return func(c *openConfig) { c.notifyChannel = channel }
}

func WithSQLiteOptions(opts ...sqlite.Option) OpenOption {
	return func(c *openConfig) { c.sqliteOpts = append(c.sqliteOpts, opts...) }
}

// Open connects and returns a store for the configured table. Connection
// failures are reported as queue.ErrStoreUnavailable.
func (h *Handler) Open(ctx context.Context, opts ...OpenOption) (store.Store, error) {
	cfg := openConfig{connectTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}

	switch h.driver {
	case Postgres:
		return h.openPostgres(ctx, cfg)
	case MySQL:
		return h.openMySQL(ctx, cfg)
	case SQLite:
		return h.openSQLite(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", queue.ErrInvalidArgument, h.driver)
	}
}

func (h *Handler) openPostgres(ctx context.Context, cfg openConfig) (store.Store, error) {
	poolCfg, err := pgxpool.ParseConfig(h.conn)
	if err != nil {
		return nil, fmt.Errorf("%w: parse postgres dsn: %w", queue.ErrInvalidArgument, err)
	}
	if cfg.connectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.connectTimeout
	}

	ctx, cancel := withTimeout(ctx, cfg.connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w: %w", queue.ErrStoreUnavailable, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w: %w", queue.ErrStoreUnavailable, err)
	}

	var pgOpts []postgres.Option
	if cfg.notifyChannel != "" {
		pgOpts = append(pgOpts, postgres.WithNotifyChannel(cfg.notifyChannel))
	}
	s, err := postgres.New(pool, h.table, pgOpts...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (h *Handler) openMySQL(ctx context.Context, cfg openConfig) (store.Store, error) {
	myCfg := h.mysqlCfg.Clone()
	if cfg.connectTimeout > 0 {
		myCfg.Timeout = cfg.connectTimeout
	}
	s, err := mysql.Open(myCfg, h.table)
	if err != nil {
		return nil, err
	}

	ctx, cancel := withTimeout(ctx, cfg.connectTimeout)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		s.Close()
		if queue.IsRetryable(err) {
			return nil, err
		}
		// A connect timeout surfaces as a context error.
		return nil, fmt.Errorf("ping mysql: %w: %w", queue.ErrStoreUnavailable, err)
	}
	return s, nil
}

func (h *Handler) openSQLite(ctx context.Context, cfg openConfig) (store.Store, error) {
	s, err := sqlite.Open(h.conn, h.table, cfg.sqliteOpts...)
	if err != nil {
		return nil, err
	}
	// sql.Open is lazy; force one connection so a bad path fails here.
	if err := s.Ping(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

func urlWithCredentials(dsn, user, password string) (string, error) {
	if user == "" && password == "" {
		return dsn, nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("%w: parse dsn: %w", queue.ErrInvalidArgument, err)
	}
	if user == "" && u.User != nil {
		user = u.User.Username()
	}
	if password == "" {
		u.User = url.User(user)
	} else {
		u.User = url.UserPassword(user, password)
	}
	return u.String(), nil
}

// parsePDOParams splits "host=db;port=5432;dbname=app" into pairs, keeping
// their order. Empty segments are skipped.
func parsePDOParams(s string) [][2]string {
	var out [][2]string
	for _, seg := range strings.Split(s, ";") {
		k, v, ok := strings.Cut(seg, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		out = append(out, [2]string{strings.ToLower(k), strings.TrimSpace(v)})
	}
	return out
}

// mysqlConfig builds a driver config from PDO-style parameters
// ("host=db;port=3306;dbname=app;charset=utf8mb4" or "unix_socket=/path").
// Explicit credentials win over user/password given in the dsn.
func mysqlConfig(params [][2]string, user, password string) (*mysqldrv.Config, error) {
	cfg := mysqldrv.NewConfig()
	host, port := "localhost", "3306"
	for _, p := range params {
		switch p[0] {
		case "host":
			host = p[1]
		case "port":
			port = p[1]
		case "dbname":
			cfg.DBName = p[1]
		case "unix_socket":
			cfg.Net, cfg.Addr = "unix", p[1]
		case "charset":
			cfg.Params = map[string]string{"charset": p[1]}
		case "user":
			cfg.User = p[1]
		case "password":
			cfg.Passwd = p[1]
		}
	}
	if cfg.Net == "" {
		cfg.Net, cfg.Addr = "tcp", net.JoinHostPort(host, port)
	}
	if user != "" {
		cfg.User = user
	}
	if password != "" {
		cfg.Passwd = password
	}
	if cfg.DBName == "" {
		return nil, fmt.Errorf("%w: mysql dsn has no dbname", queue.ErrInvalidArgument)
	}
	return cfg, nil
}

// keywordValue renders a libpq keyword/value connection string. Both pgx and
// lib/pq accept it.
func keywordValue(params [][2]string, user, password string) string {
	if user != "" {
		params = append(params, [2]string{"user", user})
	}
	if password != "" {
		params = append(params, [2]string{"password", password})
	}
	parts := make([]string, 0, len(params))
	for _, p := range params {
		parts = append(parts, p[0]+"="+quoteValue(p[1]))
	}
	return strings.Join(parts, " ")
}

func quoteValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}
