package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/fnforge/pkg/engine"
)

type fakeServer struct {
	mu       sync.Mutex
	store    map[string]json.RawMessage
	requests []*http.Request
}

func newFakeServer(t *testing.T) (*fakeServer, *REST) {
	t.Helper()
	fs := &fakeServer{store: make(map[string]json.RawMessage)}
	srv := httptest.NewServer(http.HandlerFunc(fs.serve))
	t.Cleanup(srv.Close)

	c, err := NewREST(RESTConfig{
		Credentials: Credentials{APIHost: srv.URL, Auth: "user:secret"},
		PageSize:    2,
	}, zerolog.Nop())
	require.NoError(t, err)
	return fs, c
}

func (fs *fakeServer) serve(w http.ResponseWriter, r *http.Request) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.requests = append(fs.requests, r)

	if user, pass, ok := r.BasicAuth(); !ok || user != "user" || pass != "secret" {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
		return
	}

	path := r.URL.EscapedPath()
	switch r.Method {
	case http.MethodPut:
		if _, exists := fs.store[path]; exists && r.URL.Query().Get("overwrite") != "true" {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":"resource already exists"}`))
			return
		}
		var body json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&body)
		fs.store[path] = body
		_, _ = w.Write(body)
	case http.MethodGet:
		if body, ok := fs.store[path]; ok {
			_, _ = w.Write(body)
			return
		}
		if path == "/api/v1/namespaces/_/actions" {
			skip, _ := strconv.Atoi(r.URL.Query().Get("skip"))
			all := []engine.RemoteResource{{Name: "a"}, {Name: "b"}, {Name: "c"}}
			end := skip + 2
			if end > len(all) {
				end = len(all)
			}
			_ = json.NewEncoder(w).Encode(all[skip:end])
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not found"}`))
	case http.MethodDelete:
		delete(fs.store, path)
		w.WriteHeader(http.StatusOK)
	}
}

func TestREST_CreateThenConflict(t *testing.T) {
	ctx := context.Background()
	fs, c := newFakeServer(t)

	r := action("utils/cat")
	out, err := c.Actions().Create(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, "utils/cat", out.Name)
	assert.NotEmpty(t, out.Raw)

	_, err = c.Actions().Create(ctx, r)
	assert.True(t, engine.IsAlreadyExists(err))

	_, err = c.Actions().Update(ctx, r)
	require.NoError(t, err)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.Len(t, fs.requests, 3)
	assert.Equal(t, "/api/v1/namespaces/_/actions/utils/cat", fs.requests[0].URL.Path)
	assert.Equal(t, "false", fs.requests[0].URL.Query().Get("overwrite"))
	assert.Equal(t, "true", fs.requests[2].URL.Query().Get("overwrite"))
}

func TestREST_GetNotFound(t *testing.T) {
	_, c := newFakeServer(t)
	_, err := c.Actions().Get(context.Background(), engine.ResourceRef{Namespace: "_", Name: "missing"})
	assert.True(t, engine.IsNotFound(err))
}

func TestREST_ListPages(t *testing.T) {
	fs, c := newFakeServer(t)
	list, err := c.Actions().List(context.Background(), "_")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, engine.ResourceActions, list[0].Kind)
	assert.Equal(t, "_", list[2].Namespace)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	assert.Len(t, fs.requests, 2)
	assert.Equal(t, "2", fs.requests[1].URL.Query().Get("skip"))
}

func TestREST_RouteNameIsEscaped(t *testing.T) {
	ctx := context.Background()
	fs, c := newFakeServer(t)

	route := &engine.RemoteResource{
		Namespace: "_",
		Name:      engine.RouteName("/api", "/hello", "GET"),
		Route:     &engine.RemoteRoute{BasePath: "/api", Path: "/hello", Method: "GET", Action: "/_/hello"},
	}
	_, err := c.Routes().Update(ctx, route)
	require.NoError(t, err)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	assert.Equal(t, "/api/v1/namespaces/_/routes/%2Fapi%2Fhello%23GET", fs.requests[0].URL.EscapedPath())
}

func TestNewREST_RequiresHost(t *testing.T) {
	_, err := NewREST(RESTConfig{}, zerolog.Nop())
	assert.Error(t, err)
}
