package server

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
)

// Handler serves one request. param is the path segment captured by a
// "/prefix/:name" route and is empty for exact routes.
type Handler func(ctx context.Context, req *Request, param string) *Response

type routeKey struct {
	method Method
	path   string
}

type prefixRoute struct {
	prefix  string
	param   string
	handler Handler
}

// Router maps (method, path) to handlers. Routes are registered at startup;
// once a Server starts serving, the table is frozen and read without locks.
type Router struct {
	exact  map[routeKey]Handler
	prefix map[Method][]prefixRoute
	frozen atomic.Bool
}

// NewRouter creates a new Router instance
func NewRouter() *Router {
	return &Router{
		exact:  make(map[routeKey]Handler),
		prefix: make(map[Method][]prefixRoute),
	}
}

// Register adds a route. pattern is either a literal path or a literal
// prefix followed by a single ":name" segment, e.g. "/users/:id".
// It panics on an invalid pattern or when called after serving started.
func (r *Router) Register(method Method, pattern string, handler Handler) {
	if r.frozen.Load() {
		panic("server: Register called after serving started")
	}
	if handler == nil {
		panic("server: nil handler for " + string(method) + " " + pattern)
	}

	i := strings.LastIndexByte(pattern, '/')
	last := pattern[i+1:]
	if !strings.HasPrefix(last, ":") {
		if strings.Contains(pattern, "/:") {
			panic(fmt.Sprintf("server: parameter must be the last segment in %q", pattern))
		}
		r.exact[routeKey{method, pattern}] = handler
		return
	}

	prefix := pattern[:i+1]
	if len(last) < 2 || strings.Contains(prefix, "/:") {
		panic(fmt.Sprintf("server: invalid route pattern %q", pattern))
	}
	routes := append(r.prefix[method], prefixRoute{prefix: prefix, param: last[1:], handler: handler})
	sort.SliceStable(routes, func(a, b int) bool {
		return len(routes[a].prefix) > len(routes[b].prefix)
	})
	r.prefix[method] = routes
}

// Dispatch selects a handler. An exact match wins; otherwise the longest
// registered prefix for the method that is followed by exactly one
// non-empty segment matches, and that segment is returned as param.
func (r *Router) Dispatch(method Method, path string) (h Handler, param string, ok bool) {
	if h, ok := r.exact[routeKey{method, path}]; ok {
		return h, "", true
	}
	for _, pr := range r.prefix[method] {
		if !strings.HasPrefix(path, pr.prefix) {
			continue
		}
		seg := path[len(pr.prefix):]
		if seg == "" || strings.IndexByte(seg, '/') >= 0 {
			continue
		}
		return pr.handler, seg, true
	}
	return nil, "", false
}

// ServeRequest dispatches req and runs the selected handler
func (r *Router) ServeRequest(ctx context.Context, req *Request) *Response {
	h, param, ok := r.Dispatch(req.Method, req.Path)
	if !ok {
		return NotFound()
	}
	resp := h(ctx, req, param)
	if resp == nil {
		return Text(http.StatusInternalServerError, "handler returned no response")
	}
	return resp
}

func (r *Router) freeze() {
	r.frozen.Store(true)
}

// NotFound is the response for unmatched routes
func NotFound() *Response {
	return JSON(http.StatusNotFound, map[string]string{"message": "Not found"})
}
