package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var errConnClosed = errors.New("connection closed")

// Memory is an in-process users table. Its Manager hands out connections
// that share the table, which lets the pool and handlers run without a
// database.
type Memory struct {
	// Latency is added to every operation.
	Latency time.Duration

	mu     sync.RWMutex
	users  []User
	nextID int64

	open atomic.Int64
	peak atomic.Int64
	fail atomic.Pointer[error]
}

// NewMemory returns an empty table.
func NewMemory() *Memory {
	return &Memory{}
}

// FailConnect makes subsequent Connect calls return err; nil clears it.
func (m *Memory) FailConnect(err error) {
	if err == nil {
		m.fail.Store(nil)
		return
	}
	m.fail.Store(&err)
}

// Open reports how many connections are currently open.
func (m *Memory) Open() int64 { return m.open.Load() }

// PeakOpen reports the highest number of simultaneously open connections.
func (m *Memory) PeakOpen() int64 { return m.peak.Load() }

func (m *Memory) Connect(ctx context.Context) (Conn, error) {
	if errp := m.fail.Load(); errp != nil {
		return nil, *errp
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := m.open.Add(1)
	for {
		p := m.peak.Load()
		if n <= p || m.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return &memConn{m: m}, nil
}

func (m *Memory) Close(c Conn) error {
	mc := c.(*memConn)
	if mc.closed.Swap(true) {
		return errConnClosed
	}
	m.open.Add(-1)
	return nil
}

func (m *Memory) Broken(c Conn) bool {
	return c.(*memConn).closed.Load()
}

type memConn struct {
	m      *Memory
	closed atomic.Bool
}

func (c *memConn) wait(ctx context.Context) error {
	if c.closed.Load() {
		return errConnClosed
	}
	if c.m.Latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(c.m.Latency)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *memConn) ListUsers(ctx context.Context) ([]User, error) {
	if err := c.wait(ctx); err != nil {
		return nil, opError("list users", err)
	}
	c.m.mu.RLock()
	defer c.m.mu.RUnlock()
	out := make([]User, len(c.m.users))
	copy(out, c.m.users)
	return out, nil
}

func (c *memConn) GetUser(ctx context.Context, id int64) (User, error) {
	if err := c.wait(ctx); err != nil {
		return User{}, opError("get user", err)
	}
	c.m.mu.RLock()
	defer c.m.mu.RUnlock()
	for _, u := range c.m.users {
		if u.ID == id {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (c *memConn) CreateUser(ctx context.Context, nu NewUser) (User, error) {
	if err := c.wait(ctx); err != nil {
		return User{}, opError("create user", err)
	}
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	c.m.nextID++
	u := User{ID: c.m.nextID, Name: nu.Name, Age: nu.Age}
	c.m.users = append(c.m.users, u)
	return u, nil
}
