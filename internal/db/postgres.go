package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// rowQuerier is satisfied by *pgx.Conn, *pgxpool.Conn and *pgxpool.Pool
type rowQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// queryRows runs sql and collects every row as a column-name map
func queryRows(ctx context.Context, q rowQuerier, sql string, args ...any) (*Result, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}

	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}

	return &Result{Rows: maps, RowCount: rows.CommandTag().RowsAffected()}, nil
}

// OpenPool connects a pgx pool and verifies it with a ping
func OpenPool(ctx context.Context, connString string, maxConns int32) (Pool, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("invalid connection string: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &pgxPool{pool: pool}, nil
}

// DefaultOpener opens a pool with pgxpool's default size
func DefaultOpener(ctx context.Context, connString string) (Pool, error) {
	return OpenPool(ctx, connString, 0)
}

type pgxPool struct {
	pool *pgxpool.Pool
}

func (p *pgxPool) Query(ctx context.Context, sql string, args ...any) (*Result, error) {
	return queryRows(ctx, p.pool, sql, args...)
}

func (p *pgxPool) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := p.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (p *pgxPool) Acquire(ctx context.Context) (Conn, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &pgxConn{conn: conn}, nil
}

func (p *pgxPool) Close() {
	p.pool.Close()
}

type pgxConn struct {
	conn *pgxpool.Conn
}

func (c *pgxConn) Query(ctx context.Context, sql string, args ...any) (*Result, error) {
	return queryRows(ctx, c.conn, sql, args...)
}

func (c *pgxConn) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := c.conn.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (c *pgxConn) Release() {
	c.conn.Release()
}

// StatelessExec returns an ExecFunc that opens a fresh connection for every
// statement and closes it afterwards
func StatelessExec(connString string) ExecFunc {
	return func(ctx context.Context, sql string, args ...any) (*Result, error) {
		conn, err := pgx.Connect(ctx, connString)
		if err != nil {
			return nil, fmt.Errorf("failed to connect: %w", err)
		}
		defer conn.Close(ctx)

		return queryRows(ctx, conn, sql, args...)
	}
}

// NewGateway builds a gateway for connString in the given mode
func NewGateway(ctx context.Context, connString string, mode Mode, maxConns int32) (*Gateway, error) {
	switch mode {
	case ModeStateless:
		return NewStatelessGateway(StatelessExec(connString)), nil
	case ModePooled:
		pool, err := OpenPool(ctx, connString, maxConns)
		if err != nil {
			return nil, &PoolError{Op: "open", Err: err}
		}
		return NewPooledGateway(pool), nil
	}
	return nil, fmt.Errorf("invalid database mode %v", mode)
}
