package db

import (
	"context"
	"errors"
	"fmt"
	"log"
)

// ErrTransactionsUnsupported is returned by Transaction in stateless mode
var ErrTransactionsUnsupported = errors.New("transactions require pooled mode")

// PoolError means a pool or pooled connection could not be obtained
type PoolError struct {
	Op  string
	Err error
}

func (e *PoolError) Error() string {
	return fmt.Sprintf("connection pool unavailable (%s): %v", e.Op, e.Err)
}

func (e *PoolError) Unwrap() error {
	return e.Err
}

// Result is the outcome of a single statement
type Result struct {
	Rows     []map[string]any
	RowCount int64
}

// Querier executes parameterized SQL with positional ($1, $2, ...) arguments
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (*Result, error)
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
}

// Conn is one connection checked out of a Pool. Release must be called
// exactly once.
type Conn interface {
	Querier
	Release()
}

// Pool is a stateful connection pool
type Pool interface {
	Querier
	Acquire(ctx context.Context) (Conn, error)
	Close()
}

// ExecFunc runs one statement without any session state
type ExecFunc func(ctx context.Context, sql string, args ...any) (*Result, error)

// Mode selects how a Gateway talks to the database
type Mode int

const (
	ModeStateless Mode = iota + 1
	ModePooled
)

func (m Mode) String() string {
	switch m {
	case ModeStateless:
		return "stateless"
	case ModePooled:
		return "pooled"
	}
	return "unknown"
}

// ParseMode converts a config value to a Mode
func ParseMode(s string) (Mode, error) {
	switch s {
	case "stateless":
		return ModeStateless, nil
	case "pooled", "":
		return ModePooled, nil
	}
	return 0, fmt.Errorf("invalid database mode %q", s)
}

// Gateway exposes queries over either a stateless exec function or a pool.
// The mode is fixed at construction.
type Gateway struct {
	mode Mode
	exec ExecFunc
	pool Pool
}

// NewStatelessGateway creates a gateway that runs every query independently
func NewStatelessGateway(exec ExecFunc) *Gateway {
	return &Gateway{mode: ModeStateless, exec: exec}
}

// NewPooledGateway creates a gateway backed by a connection pool
func NewPooledGateway(pool Pool) *Gateway {
	return &Gateway{mode: ModePooled, pool: pool}
}

// Mode reports which mode the gateway was built with
func (g *Gateway) Mode() Mode {
	return g.mode
}

// Query runs sql in whichever mode is active
func (g *Gateway) Query(ctx context.Context, sql string, args ...any) (*Result, error) {
	switch g.mode {
	case ModePooled:
		return g.pool.Query(ctx, sql, args...)
	case ModeStateless:
		return g.exec(ctx, sql, args...)
	}
	return nil, fmt.Errorf("gateway has no mode")
}

// Transaction runs fn inside BEGIN/COMMIT on a single pooled connection.
// Any error (or panic) from fn rolls back. The connection is released on
// every path.
func (g *Gateway) Transaction(ctx context.Context, fn func(ctx context.Context, q Querier) error) (err error) {
	if g.mode != ModePooled {
		return ErrTransactionsUnsupported
	}

	conn, err := g.pool.Acquire(ctx)
	if err != nil {
		return &PoolError{Op: "acquire", Err: err}
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "BEGIN"); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			rollback(ctx, conn)
			panic(p)
		}
	}()

	if err := fn(ctx, conn); err != nil {
		rollback(ctx, conn)
		return err
	}

	if _, err := conn.Exec(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func rollback(ctx context.Context, conn Conn) {
	// The caller's context may already be cancelled; the rollback still has to reach the server.
	if _, err := conn.Exec(context.WithoutCancel(ctx), "ROLLBACK"); err != nil {
		log.Printf("ERROR [rollback]: %v", err)
	}
}

// Close releases the pool in pooled mode
func (g *Gateway) Close() {
	if g.mode == ModePooled && g.pool != nil {
		g.pool.Close()
	}
}
