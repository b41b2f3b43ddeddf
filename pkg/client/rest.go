package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-querystring/query"
	"github.com/rs/zerolog"

	"github.com/openfroyo/fnforge/pkg/engine"
)

// Credentials are the connection parameters of a control plane.
type Credentials struct {
	// APIHost is the base URL, e.g. "https://fn.example.com". A bare host
	// gets an https scheme.
	APIHost string

	// Auth is the "user:password" API key.
	Auth string

	// Namespace overrides the sentinel namespace.
	Namespace string
}

// RESTConfig configures a REST client.
type RESTConfig struct {
	Credentials Credentials

	// Timeout bounds each HTTP request. Zero means 60s.
	Timeout time.Duration

	// PageSize is the list page size. Zero means 200.
	PageSize int

	// HTTPClient overrides the HTTP client.
	HTTPClient *http.Client
}

// REST talks to an OpenWhisk-style control plane:
// {apihost}/api/v1/namespaces/{namespace}/{kind}/{name}.
type REST struct {
	base     *url.URL
	user     string
	password string
	pageSize int
	http     *http.Client
	logger   zerolog.Logger
}

// NewREST creates a REST client.
func NewREST(cfg RESTConfig, logger zerolog.Logger) (*REST, error) {
	host := cfg.Credentials.APIHost
	if host == "" {
		return nil, fmt.Errorf("apihost is required")
	}
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	base, err := url.Parse(strings.TrimRight(host, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid apihost %q: %w", cfg.Credentials.APIHost, err)
	}
	user, password, _ := strings.Cut(cfg.Credentials.Auth, ":")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 200
	}

	return &REST{
		base:     base,
		user:     user,
		password: password,
		pageSize: pageSize,
		http:     httpClient,
		logger:   logger.With().Str("component", "rest").Str("apihost", base.Host).Logger(),
	}, nil
}

// Packages implements engine.ResourceClient.
func (c *REST) Packages() engine.ResourceAPI { return &restAPI{c: c, kind: engine.ResourcePackages} }

// Actions implements engine.ResourceClient.
func (c *REST) Actions() engine.ResourceAPI { return &restAPI{c: c, kind: engine.ResourceActions} }

// Triggers implements engine.ResourceClient.
func (c *REST) Triggers() engine.ResourceAPI { return &restAPI{c: c, kind: engine.ResourceTriggers} }

// Rules implements engine.ResourceClient.
func (c *REST) Rules() engine.ResourceAPI { return &restAPI{c: c, kind: engine.ResourceRules} }

// Routes implements engine.ResourceClient.
func (c *REST) Routes() engine.ResourceAPI { return &restAPI{c: c, kind: engine.ResourceRoutes} }

// putOptions is the query of create and update calls.
type putOptions struct {
	Overwrite bool `url:"overwrite"`
}

// listOptions is the query of list calls.
type listOptions struct {
	Limit int `url:"limit,omitempty"`
	Skip  int `url:"skip,omitempty"`
}

// ErrorResponse is the error body returned by the control plane.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"error"`
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// call issues one request. queryObj is encoded with go-querystring, reqObj
// as JSON. respObj receives the decoded body when non-nil.
func (c *REST) call(ctx context.Context, method, path string, queryObj, reqObj, respObj interface{}) ([]byte, error) {
	target := c.base.String() + "/api/v1" + path
	if queryObj != nil {
		values, err := query.Values(queryObj)
		if err != nil {
			return nil, fmt.Errorf("encoding query: %w", err)
		}
		if q := values.Encode(); q != "" {
			target += "?" + q
		}
	}

	var body io.Reader
	if reqObj != nil {
		data, err := json.Marshal(reqObj)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if reqObj != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("API call")

	if resp.StatusCode >= 400 {
		errResp := &ErrorResponse{}
		if err := json.Unmarshal(respBody, errResp); err != nil || errResp.Message == "" {
			errResp.Message = strings.TrimSpace(string(respBody))
		}
		errResp.Code = resp.StatusCode
		return nil, errResp
	}

	if respObj != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, respObj); err != nil {
			return nil, fmt.Errorf("decoding response: %w", err)
		}
	}
	return respBody, nil
}

type restAPI struct {
	c    *REST
	kind engine.ResourceKind
}

func (a *restAPI) path(namespace, name string) string {
	if namespace == "" {
		namespace = engine.DefaultNamespace
	}
	p := "/namespaces/" + url.PathEscape(namespace) + "/" + string(a.kind)
	switch {
	case name == "":
	case a.kind == engine.ResourceRoutes:
		p += "/" + url.PathEscape(name)
	default:
		segments := strings.Split(name, "/")
		for i, s := range segments {
			segments[i] = url.PathEscape(s)
		}
		p += "/" + strings.Join(segments, "/")
	}
	return p
}

func (a *restAPI) classify(op string, ref engine.ResourceRef, err error) error {
	if errResp, ok := err.(*ErrorResponse); ok {
		switch errResp.Code {
		case http.StatusNotFound:
			return engine.NewNotFoundError(ref.String()).WithOperation(op)
		case http.StatusConflict:
			return engine.NewAlreadyExistsError(ref.String()).WithOperation(op)
		}
	}
	return err
}

func (a *restAPI) put(ctx context.Context, op string, r *engine.RemoteResource, overwrite bool) (*engine.RemoteResource, error) {
	ref := r.Ref()
	ref.Kind = a.kind
	out := &engine.RemoteResource{}
	raw, err := a.c.call(ctx, http.MethodPut, a.path(r.Namespace, r.Name), putOptions{Overwrite: overwrite}, r, out)
	if err != nil {
		return nil, a.classify(op, ref, err)
	}
	out.Kind = a.kind
	if out.Name == "" {
		out.Name = r.Name
	}
	if out.Namespace == "" {
		out.Namespace = r.Namespace
	}
	out.Raw = raw
	return out, nil
}

func (a *restAPI) Create(ctx context.Context, r *engine.RemoteResource) (*engine.RemoteResource, error) {
	return a.put(ctx, "create", r, false)
}

func (a *restAPI) Update(ctx context.Context, r *engine.RemoteResource) (*engine.RemoteResource, error) {
	return a.put(ctx, "update", r, true)
}

func (a *restAPI) Get(ctx context.Context, ref engine.ResourceRef) (*engine.RemoteResource, error) {
	ref.Kind = a.kind
	out := &engine.RemoteResource{}
	raw, err := a.c.call(ctx, http.MethodGet, a.path(ref.Namespace, ref.Name), nil, nil, out)
	if err != nil {
		return nil, a.classify("get", ref, err)
	}
	out.Kind = a.kind
	out.Namespace = ref.Namespace
	out.Name = ref.Name
	out.Raw = raw
	return out, nil
}

func (a *restAPI) Delete(ctx context.Context, ref engine.ResourceRef) error {
	ref.Kind = a.kind
	if _, err := a.c.call(ctx, http.MethodDelete, a.path(ref.Namespace, ref.Name), nil, nil, nil); err != nil {
		return a.classify("delete", ref, err)
	}
	return nil
}

// List pages through every resource of the namespace.
func (a *restAPI) List(ctx context.Context, namespace string) ([]*engine.RemoteResource, error) {
	var all []*engine.RemoteResource
	for skip := 0; ; skip += a.c.pageSize {
		var page []*engine.RemoteResource
		if _, err := a.c.call(ctx, http.MethodGet, a.path(namespace, ""),
			listOptions{Limit: a.c.pageSize, Skip: skip}, nil, &page); err != nil {
			return nil, a.classify("list", engine.ResourceRef{Kind: a.kind, Namespace: namespace}, err)
		}
		for _, r := range page {
			r.Kind = a.kind
			if r.Namespace == "" {
				r.Namespace = namespace
			}
		}
		all = append(all, page...)
		if len(page) < a.c.pageSize {
			return all, nil
		}
	}
}
