package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codetesla51/raw-http-pool/pool"
	"github.com/codetesla51/raw-http-pool/server"
	"github.com/codetesla51/raw-http-pool/store"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newPool(t *testing.T, mem *store.Memory, cfg pool.Config) *pool.Pool[store.Conn] {
	t.Helper()
	p, err := pool.New[store.Conn](context.Background(), mem, cfg, pool.WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func smallPool() pool.Config {
	cfg := pool.DefaultConfig()
	cfg.MaxSize = 2
	cfg.MinIdle = 0
	cfg.ConnectionTimeout = time.Second
	cfg.ReapInterval = 0
	return cfg
}

func newRouter(p Pool) *server.Router {
	r := server.NewRouter()
	New(p, quietLogger()).Routes(r)
	return r
}

func do(t *testing.T, r *server.Router, raw string) *server.Response {
	t.Helper()
	req, err := server.ParseRequest([]byte(raw))
	require.NoError(t, err)
	return r.ServeRequest(context.Background(), req)
}

func get(t *testing.T, r *server.Router, path string) *server.Response {
	return do(t, r, "GET "+path+" HTTP/1.1\r\nHost: localhost\r\n\r\n")
}

func post(t *testing.T, r *server.Router, path, body string) *server.Response {
	return do(t, r, fmt.Sprintf("POST %s HTTP/1.1\r\nContent-Type: application/json\r\nContent-Length: %d\r\n\r\n%s", path, len(body), body))
}

// countingPool records whether a handler touched the backing store.
type countingPool struct {
	calls atomic.Int64
	conn  store.Conn
	err   error
}

func (p *countingPool) With(ctx context.Context, fn func(store.Conn) error) error {
	p.calls.Add(1)
	if p.err != nil {
		return p.err
	}
	return fn(p.conn)
}

func (p *countingPool) Stats() pool.Stats { return pool.Stats{} }

// failingConn fails every operation with a detailed internal error.
type failingConn struct{}

var errInternal = errors.New("dial tcp 10.0.0.5:5432: relation \"users\" does not exist")

func (failingConn) ListUsers(context.Context) ([]store.User, error) {
	return nil, &store.OpError{Op: "list users", Err: errInternal}
}

func (failingConn) GetUser(context.Context, int64) (store.User, error) {
	return store.User{}, &store.OpError{Op: "get user", Err: errInternal}
}

func (failingConn) CreateUser(context.Context, store.NewUser) (store.User, error) {
	return store.User{}, &store.OpError{Op: "create user", Err: errInternal}
}

func TestRoot(t *testing.T) {
	r := newRouter(&countingPool{})
	resp := get(t, r, "/")
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "Hello World", string(resp.Body))
}

func TestProductsPlaceholder(t *testing.T) {
	r := newRouter(&countingPool{})
	resp := get(t, r, "/products")
	assert.Equal(t, http.StatusInternalServerError, resp.Status)
	assert.JSONEq(t, `{"error":"Internal Server Error"}`, string(resp.Body))
}

func TestCreateThenList(t *testing.T) {
	mem := store.NewMemory()
	r := newRouter(newPool(t, mem, smallPool()))

	resp := get(t, r, "/users")
	require.Equal(t, http.StatusOK, resp.Status)
	assert.JSONEq(t, `[]`, string(resp.Body))

	resp = post(t, r, "/users", `{"name":"Ada","age":30}`)
	require.Equal(t, http.StatusOK, resp.Status)
	assert.JSONEq(t, `{"message":"User added"}`, string(resp.Body))

	resp = get(t, r, "/users")
	require.Equal(t, http.StatusOK, resp.Status)
	var users []store.User
	require.NoError(t, json.Unmarshal(resp.Body, &users))
	require.Len(t, users, 1)
	assert.Equal(t, "Ada", users[0].Name)
	assert.EqualValues(t, 30, users[0].Age)
}

func TestGetUser(t *testing.T) {
	mem := store.NewMemory()
	r := newRouter(newPool(t, mem, smallPool()))
	require.Equal(t, http.StatusOK, post(t, r, "/users", `{"name":"Grace","age":45}`).Status)

	first := get(t, r, "/users/1")
	require.Equal(t, http.StatusOK, first.Status)
	assert.JSONEq(t, `{"id":1,"name":"Grace","age":45}`, string(first.Body))

	again := get(t, r, "/users/1")
	assert.Equal(t, first.Status, again.Status)
	assert.Equal(t, first.Body, again.Body)

	missing := get(t, r, "/users/42")
	assert.Equal(t, http.StatusNotFound, missing.Status)
	assert.JSONEq(t, `{"message":"User not found"}`, string(missing.Body))
}

func TestNonNumericIDIs400WithoutPool(t *testing.T) {
	p := &countingPool{}
	r := newRouter(p)

	for _, id := range []string{"abc", "1.5", "0x10", "12a", "%20"} {
		resp := get(t, r, "/users/"+id)
		assert.Equal(t, http.StatusBadRequest, resp.Status, id)
		assert.JSONEq(t, `{"error":"ID must be an integer"}`, string(resp.Body))
	}
	assert.Zero(t, p.calls.Load())
}

func TestInvalidCreateBodyIs400WithoutPool(t *testing.T) {
	p := &countingPool{}
	r := newRouter(p)

	for _, body := range []string{
		``,
		`not json`,
		`{"name":"Ada"}`,
		`{"age":30}`,
		`{"name":"Ada","age":"thirty"}`,
		`{"name":"Ada","age":30.5}`,
		`{"name":7,"age":30}`,
	} {
		resp := post(t, r, "/users", body)
		assert.Equal(t, http.StatusBadRequest, resp.Status, body)
		assert.JSONEq(t, `{"error":"Invalid user data"}`, string(resp.Body))
	}
	assert.Zero(t, p.calls.Load())
}

func TestPoolExhaustedIs503(t *testing.T) {
	mem := store.NewMemory()
	cfg := smallPool()
	cfg.MaxSize = 1
	cfg.ConnectionTimeout = 20 * time.Millisecond
	p := newPool(t, mem, cfg)
	r := newRouter(p)

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer held.Release()

	resp := get(t, r, "/users")
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
	assert.JSONEq(t, `{"error":"pool exhausted"}`, string(resp.Body))
}

func TestCreationFailedIsOpaque500(t *testing.T) {
	mem := store.NewMemory()
	p := newPool(t, mem, smallPool())
	r := newRouter(p)
	mem.FailConnect(errors.New("password authentication failed for user postgres"))

	resp := get(t, r, "/users/1")
	assert.Equal(t, http.StatusInternalServerError, resp.Status)
	assert.JSONEq(t, `{"error":"backing store unavailable"}`, string(resp.Body))
	assert.NotContains(t, string(resp.Body), "password")
	assert.Zero(t, p.Stats().Live)
}

func TestCreationTimeoutIsOpaque500(t *testing.T) {
	mem := store.NewMemory()
	p := newPool(t, mem, smallPool())
	r := newRouter(p)
	mem.FailConnect(fmt.Errorf("dial tcp 10.0.0.5:5432: %w", context.DeadlineExceeded))

	resp := get(t, r, "/users")
	assert.Equal(t, http.StatusInternalServerError, resp.Status)
	assert.JSONEq(t, `{"error":"backing store unavailable"}`, string(resp.Body))
	assert.NotContains(t, string(resp.Body), "10.0.0.5")
	assert.Empty(t, resp.Header.Get("Retry-After"))
}

func TestCallerCancelledIs503(t *testing.T) {
	r := newRouter(&countingPool{err: context.Canceled})
	resp := get(t, r, "/users")
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.JSONEq(t, `{"error":"request cancelled"}`, string(resp.Body))
}

func TestStoreErrorIsOpaque500(t *testing.T) {
	r := newRouter(&countingPool{conn: failingConn{}})

	tests := []struct {
		resp *server.Response
		want string
	}{
		{get(t, r, "/users"), `{"error":"list users failed"}`},
		{get(t, r, "/users/1"), `{"error":"get user failed"}`},
		{post(t, r, "/users", `{"name":"Ada","age":30}`), `{"error":"create user failed"}`},
	}
	for _, tt := range tests {
		assert.Equal(t, http.StatusInternalServerError, tt.resp.Status)
		assert.JSONEq(t, tt.want, string(tt.resp.Body))
		assert.NotContains(t, string(tt.resp.Body), "10.0.0.5")
	}
}

func TestStoreErrorReleasesSlot(t *testing.T) {
	mem := store.NewMemory()
	cfg := smallPool()
	cfg.MaxSize = 1
	p := newPool(t, mem, cfg)
	r := newRouter(p)

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusNotFound, get(t, r, "/users/99").Status)
	}
	st := p.Stats()
	assert.Equal(t, 0, st.InUse)
	assert.Equal(t, 1, st.Idle)
}

func TestHealth(t *testing.T) {
	mem := store.NewMemory()
	cfg := smallPool()
	cfg.MinIdle = 1
	r := newRouter(newPool(t, mem, cfg))

	resp := get(t, r, "/health")
	require.Equal(t, http.StatusOK, resp.Status)
	var st pool.Stats
	require.NoError(t, json.Unmarshal(resp.Body, &st))
	assert.Equal(t, 2, st.MaxSize)
	assert.Equal(t, 1, st.Idle)
}

func TestUnknownRoute(t *testing.T) {
	r := newRouter(&countingPool{})
	for _, raw := range []string{
		"GET /nowhere HTTP/1.1\r\n\r\n",
		"DELETE /users/1 HTTP/1.1\r\n\r\n",
		"PUT /users HTTP/1.1\r\n\r\n",
		"GET /users/1/orders HTTP/1.1\r\n\r\n",
	} {
		assert.Equal(t, http.StatusNotFound, do(t, r, raw).Status, raw)
	}
}

// Many clients over real sockets share a pool of 15 connections.
func TestConcurrentListUsers(t *testing.T) {
	mem := store.NewMemory()
	mem.Latency = 2 * time.Millisecond
	cfg := pool.DefaultConfig()
	cfg.MaxSize = 15
	cfg.ConnectionTimeout = 10 * time.Second
	cfg.ReapInterval = 0
	p := newPool(t, mem, cfg)

	router := server.NewRouter()
	New(p, quietLogger()).Routes(router)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := server.New(router, nil, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()

	const clients = 200
	var wg sync.WaitGroup
	statuses := make(chan string, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.DialTimeout("tcp", ln.Addr().String(), 5*time.Second)
			if err != nil {
				statuses <- err.Error()
				return
			}
			defer conn.Close()
			conn.SetDeadline(time.Now().Add(20 * time.Second))
			conn.Write([]byte("GET /users HTTP/1.1\r\nHost: localhost\r\n\r\n"))
			data, err := io.ReadAll(conn)
			if err != nil {
				statuses <- err.Error()
				return
			}
			line, _, _ := strings.Cut(string(data), "\r\n")
			statuses <- line
		}()
	}
	wg.Wait()
	close(statuses)

	for s := range statuses {
		assert.Equal(t, "HTTP/1.1 200 OK", s)
	}
	assert.LessOrEqual(t, mem.PeakOpen(), int64(15))
	assert.LessOrEqual(t, p.Stats().Live, 15)
	assert.Zero(t, p.Stats().InUse)
}
