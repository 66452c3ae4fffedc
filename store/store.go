// Package store holds the user records served by the API. A Conn is one
// connection to the backing store; connections are created and pooled
// through a pool.Manager.
package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// User maps a row of the users table. Columns are always selected as
// (id, name, age) and scanned in that order.
type User struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Age  int32  `json:"age"`
}

// NewUser is the input of CreateUser.
type NewUser struct {
	Name string `json:"name"`
	Age  int32  `json:"age"`
}

// Conn is a single backing-store connection. It is owned by one caller at
// a time and is not safe for concurrent use.
type Conn interface {
	ListUsers(ctx context.Context) ([]User, error)
	GetUser(ctx context.Context, id int64) (User, error)
	CreateUser(ctx context.Context, u NewUser) (User, error)
}

// OpError records a failed store operation. Op is safe to show to clients;
// Err may carry connection details and is only meant for logs.
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func opError(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	return &OpError{Op: op, Err: err}
}
