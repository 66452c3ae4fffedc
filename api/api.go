// Package api implements the HTTP handlers and their route table.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/codetesla51/raw-http-pool/pool"
	"github.com/codetesla51/raw-http-pool/server"
	"github.com/codetesla51/raw-http-pool/store"
)

// Pool is the part of *pool.Pool[store.Conn] the handlers use.
type Pool interface {
	With(ctx context.Context, fn func(store.Conn) error) error
	Stats() pool.Stats
}

// Handlers serves the user and product endpoints. Every backing-store
// connection is borrowed through Pool.With, so it is returned before the
// handler returns.
type Handlers struct {
	pool Pool
	log  logrus.FieldLogger
}

func New(p Pool, log logrus.FieldLogger) *Handlers {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handlers{pool: p, log: log}
}

// Routes registers every endpoint on r.
func (h *Handlers) Routes(r *server.Router) {
	r.Register(server.MethodGet, "/", h.root)
	r.Register(server.MethodGet, "/users", h.listUsers)
	r.Register(server.MethodGet, "/users/:id", h.getUser)
	r.Register(server.MethodPost, "/users", h.createUser)
	r.Register(server.MethodGet, "/products", h.listProducts)
	r.Register(server.MethodGet, "/health", h.health)
}

type message struct {
	Message string `json:"message"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (h *Handlers) root(ctx context.Context, req *server.Request, _ string) *server.Response {
	return server.Text(http.StatusOK, "Hello World")
}

func (h *Handlers) listUsers(ctx context.Context, req *server.Request, _ string) *server.Response {
	var users []store.User
	err := h.pool.With(ctx, func(c store.Conn) error {
		var err error
		users, err = c.ListUsers(ctx)
		return err
	})
	if err != nil {
		return h.failure("list users", err)
	}
	if users == nil {
		users = []store.User{}
	}
	return server.JSON(http.StatusOK, users)
}

func (h *Handlers) getUser(ctx context.Context, req *server.Request, param string) *server.Response {
	id, err := strconv.ParseInt(param, 10, 64)
	if err != nil {
		return server.JSON(http.StatusBadRequest, errorBody{"ID must be an integer"})
	}

	var user store.User
	err = h.pool.With(ctx, func(c store.Conn) error {
		var err error
		user, err = c.GetUser(ctx, id)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return server.JSON(http.StatusNotFound, message{"User not found"})
	}
	if err != nil {
		return h.failure("get user", err)
	}
	return server.JSON(http.StatusOK, user)
}

type createUserInput struct {
	Name *string `json:"name"`
	Age  *int32  `json:"age"`
}

func (h *Handlers) createUser(ctx context.Context, req *server.Request, _ string) *server.Response {
	var in createUserInput
	if err := json.Unmarshal(req.Body, &in); err != nil || in.Name == nil || in.Age == nil {
		return server.JSON(http.StatusBadRequest, errorBody{"Invalid user data"})
	}

	err := h.pool.With(ctx, func(c store.Conn) error {
		_, err := c.CreateUser(ctx, store.NewUser{Name: *in.Name, Age: *in.Age})
		return err
	})
	if err != nil {
		return h.failure("create user", err)
	}
	return server.JSON(http.StatusOK, message{"User added"})
}

// listProducts has no backing table yet.
func (h *Handlers) listProducts(ctx context.Context, req *server.Request, _ string) *server.Response {
	return server.JSON(http.StatusInternalServerError, errorBody{"Internal Server Error"})
}

func (h *Handlers) health(ctx context.Context, req *server.Request, _ string) *server.Response {
	return server.JSON(http.StatusOK, h.pool.Stats())
}

// failure converts a pool or store error into a response. Clients only see
// the failure kind or operation name; the full error goes to the log.
func (h *Handlers) failure(op string, err error) *server.Response {
	log := h.log.WithError(err).WithField("op", op)

	// A failed Connect may wrap a dial timeout; it still reads as a store
	// outage, not as the caller going away.
	switch {
	case errors.Is(err, pool.ErrCreationFailed), errors.Is(err, pool.ErrClosed):
		log.Error("backing store unavailable")
		return server.JSON(http.StatusInternalServerError, errorBody{"backing store unavailable"})
	case errors.Is(err, pool.ErrExhausted):
		log.Warn("pool exhausted")
		resp := server.JSON(http.StatusServiceUnavailable, errorBody{"pool exhausted"})
		resp.Header.Set("Retry-After", "1")
		return resp
	}

	var opErr *store.OpError
	if errors.As(err, &opErr) {
		op = opErr.Op
	} else if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		log.Info("request cancelled")
		return server.JSON(http.StatusServiceUnavailable, errorBody{"request cancelled"})
	}
	log.Error("store operation failed")
	return server.JSON(http.StatusInternalServerError, errorBody{op + " failed"})
}
