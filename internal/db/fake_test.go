package db

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// fakeConn records every statement and answers queries from a table of
// substring matches
type fakeConn struct {
	pool     *fakePool
	released bool
}

func (c *fakeConn) Query(ctx context.Context, sql string, args ...any) (*Result, error) {
	return c.pool.Query(ctx, sql, args...)
}

func (c *fakeConn) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	return c.pool.Exec(ctx, sql, args...)
}

func (c *fakeConn) Release() {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	c.released = true
	c.pool.releases++
}

type fakePool struct {
	mu         sync.Mutex
	statements []string
	responses  map[string]*Result
	failOn     map[string]error
	acquireErr error
	acquires   int
	releases   int
	closed     bool
	conns      []*fakeConn
}

func newFakePool() *fakePool {
	return &fakePool{
		responses: make(map[string]*Result),
		failOn:    make(map[string]error),
	}
}

func (p *fakePool) record(sql string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statements = append(p.statements, strings.TrimSpace(sql))
	for fragment, err := range p.failOn {
		if strings.Contains(sql, fragment) {
			return err
		}
	}
	return nil
}

func (p *fakePool) Query(ctx context.Context, sql string, args ...any) (*Result, error) {
	if err := p.record(sql); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for fragment, res := range p.responses {
		if strings.Contains(sql, fragment) {
			return res, nil
		}
	}
	return &Result{}, nil
}

func (p *fakePool) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	if err := p.record(sql); err != nil {
		return 0, err
	}
	return 0, nil
}

func (p *fakePool) Acquire(ctx context.Context) (Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	p.acquires++
	conn := &fakeConn{pool: p}
	p.conns = append(p.conns, conn)
	return conn, nil
}

func (p *fakePool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *fakePool) opener() Opener {
	return func(ctx context.Context, connString string) (Pool, error) {
		return p, nil
	}
}

func (p *fakePool) executed(sql string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.statements {
		if s == sql {
			return true
		}
	}
	return false
}

func (p *fakePool) contains(fragment string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.statements {
		if strings.Contains(s, fragment) {
			return true
		}
	}
	return false
}

var errUnreachable = errors.New("dial tcp 10.0.0.1:5432: connect: connection refused")

func failingOpener(ctx context.Context, connString string) (Pool, error) {
	return nil, errUnreachable
}
