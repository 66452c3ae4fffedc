package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
)

// PostgresConfig describes how to reach the database.
type PostgresConfig struct {
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     int    `env:"DB_PORT" envDefault:"5432"`
	Name     string `env:"DB_NAME" envDefault:"test-db"`
	User     string `env:"DB_USER" envDefault:"postgres"`
	Password string `env:"DB_PASSWORD" envDefault:"123456"`
}

// DSN renders the connection string. TLS is not negotiated.
func (c PostgresConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:     "/" + c.Name,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// Postgres is a pool.Manager that opens one pgx connection per slot.
type Postgres struct {
	cfg *pgx.ConnConfig
}

// NewPostgres parses cfg once; every slot connects with the same settings.
func NewPostgres(cfg PostgresConfig) (*Postgres, error) {
	cc, err := pgx.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("store: parse postgres config: %w", err)
	}
	return &Postgres{cfg: cc}, nil
}

func (p *Postgres) Connect(ctx context.Context) (Conn, error) {
	c, err := pgx.ConnectConfig(ctx, p.cfg.Copy())
	if err != nil {
		return nil, err
	}
	return &pgConn{conn: c}, nil
}

func (p *Postgres) Close(c Conn) error {
	ctx, cancel := closeContext()
	defer cancel()
	return c.(*pgConn).conn.Close(ctx)
}

// closeTimeout bounds the graceful Terminate sent on Close; pgx drops the
// socket once it expires, so a dead peer cannot stall the pool.
const closeTimeout = 5 * time.Second

func closeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), closeTimeout)
}

func (p *Postgres) Broken(c Conn) bool {
	return c.(*pgConn).conn.IsClosed()
}

const schema = `CREATE TABLE IF NOT EXISTS users (
	id   BIGSERIAL PRIMARY KEY,
	name TEXT    NOT NULL,
	age  INTEGER NOT NULL
)`

// EnsureSchema creates the users table if it does not exist.
func EnsureSchema(ctx context.Context, c Conn) error {
	pc, ok := c.(*pgConn)
	if !ok {
		return nil
	}
	_, err := pc.conn.Exec(ctx, schema)
	return opError("ensure schema", err)
}

type pgConn struct {
	conn *pgx.Conn
}

func (c *pgConn) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := c.conn.Query(ctx, "SELECT id, name, age FROM users ORDER BY id")
	if err != nil {
		return nil, opError("list users", err)
	}
	users, err := pgx.CollectRows(rows, scanUser)
	if err != nil {
		return nil, opError("list users", err)
	}
	return users, nil
}

func (c *pgConn) GetUser(ctx context.Context, id int64) (User, error) {
	rows, err := c.conn.Query(ctx, "SELECT id, name, age FROM users WHERE id = $1", id)
	if err != nil {
		return User{}, opError("get user", err)
	}
	u, err := pgx.CollectOneRow(rows, scanUser)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return u, opError("get user", err)
}

func (c *pgConn) CreateUser(ctx context.Context, nu NewUser) (User, error) {
	u := User{Name: nu.Name, Age: nu.Age}
	err := c.conn.QueryRow(ctx,
		"INSERT INTO users (name, age) VALUES ($1, $2) RETURNING id",
		nu.Name, nu.Age,
	).Scan(&u.ID)
	if err != nil {
		return User{}, opError("create user", err)
	}
	return u, nil
}

func scanUser(row pgx.CollectableRow) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Name, &u.Age)
	return u, err
}
