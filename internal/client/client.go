// Package client fetches mesh geometry and field series from a dfsu-stream
// server and decodes them into renderer buffers.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/dfsu-stream/core"
	"github.com/signalsfoundry/dfsu-stream/internal/codec"
	"github.com/signalsfoundry/dfsu-stream/internal/logging"
	"github.com/signalsfoundry/dfsu-stream/model"
)

var (
	// ErrFetch covers transport failures and non-2xx responses.
	ErrFetch = errors.New("fetch failed")
	// ErrDecode covers payloads that arrived but cannot be used.
	ErrDecode = errors.New("decode failed")
)

const (
	apiPrefix       = "/api/dfsu"
	defaultMaxTries = 4
)

// Options configures a Client. Only BaseURL is required.
type Options struct {
	BaseURL string
	// Source selects a named server-side mesh; empty uses the default.
	Source     string
	HTTPClient *http.Client
	// MaxTries bounds attempts per request, including the first.
	MaxTries        uint
	InitialInterval time.Duration
	Logger          logging.Logger
}

// Client talks to one server.
type Client struct {
	base     *url.URL
	source   string
	http     *http.Client
	maxTries uint
	initial  time.Duration
	log      logging.Logger
}

// Dataset is everything needed to animate one field item.
type Dataset struct {
	Descriptor model.MeshDescriptor
	Vertices   core.TriangleVertexBuffer
	Field      core.ScalarFieldSeries
}

// New validates opts and builds a Client. The default HTTP client leaves
// gzip bodies compressed so they are decoded by codec.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("client: invalid base URL %q", opts.BaseURL)
	}
	c := &Client{
		base:     base,
		source:   opts.Source,
		http:     opts.HTTPClient,
		maxTries: opts.MaxTries,
		initial:  opts.InitialInterval,
		log:      opts.Logger,
	}
	if c.http == nil {
		c.http = &http.Client{
			Timeout:   2 * time.Minute,
			Transport: &http.Transport{DisableCompression: true, Proxy: http.ProxyFromEnvironment},
		}
	}
	if c.maxTries == 0 {
		c.maxTries = defaultMaxTries
	}
	if c.initial <= 0 {
		c.initial = 200 * time.Millisecond
	}
	if c.log == nil {
		c.log = logging.Noop()
	}
	return c, nil
}

// Fetch reads the descriptor of itemNumber, then geometry and field
// concurrently, and checks that they line up.
func (c *Client) Fetch(ctx context.Context, itemNumber int) (*Dataset, error) {
	desc, err := c.Descriptor(ctx, itemNumber)
	if err != nil {
		return nil, err
	}

	ds := &Dataset{Descriptor: desc}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := c.Vertices(gctx)
		if err != nil {
			return err
		}
		if v.TriangleCount() != desc.TriangleCount || len(v)%9 != 0 {
			return fmt.Errorf("%w: %d vertex floats for %d triangles", ErrDecode, len(v), desc.TriangleCount)
		}
		ds.Vertices = v
		return nil
	})
	g.Go(func() error {
		s, err := c.Field(gctx, itemNumber, desc)
		if err != nil {
			return err
		}
		ds.Field = s
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ds, nil
}

// Descriptor fetches dfs-info for itemNumber.
func (c *Client) Descriptor(ctx context.Context, itemNumber int) (model.MeshDescriptor, error) {
	body, err := c.get(ctx, "dfs-info", itemNumber)
	if err != nil {
		return model.MeshDescriptor{}, err
	}
	var desc model.MeshDescriptor
	if err := json.Unmarshal(body, &desc); err != nil {
		return model.MeshDescriptor{}, fmt.Errorf("%w: dfs-info: %v", ErrDecode, err)
	}
	if desc.TimeStepCount < 0 || desc.TriangleCount < 0 {
		return model.MeshDescriptor{}, fmt.Errorf("%w: dfs-info: negative counts %+v", ErrDecode, desc)
	}
	return desc, nil
}

// Vertices fetches and decodes the triangle vertex buffer.
func (c *Client) Vertices(ctx context.Context) (core.TriangleVertexBuffer, error) {
	body, err := c.get(ctx, "vertices-buffer", 0)
	if err != nil {
		return nil, err
	}
	values, err := codec.DecodeFloat32s(body)
	if err != nil {
		return nil, fmt.Errorf("%w: vertices-buffer: %v", ErrDecode, err)
	}
	return values, nil
}

// Field fetches the series of itemNumber and checks it against desc.
func (c *Client) Field(ctx context.Context, itemNumber int, desc model.MeshDescriptor) (core.ScalarFieldSeries, error) {
	body, err := c.get(ctx, "timestep-buffer", itemNumber)
	if err != nil {
		return core.ScalarFieldSeries{}, err
	}
	values, err := codec.DecodeFloat32s(body)
	if err != nil {
		return core.ScalarFieldSeries{}, fmt.Errorf("%w: timestep-buffer: %v", ErrDecode, err)
	}
	if want := desc.TimeStepCount * desc.ValuesPerTimestep(); len(values) != want {
		return core.ScalarFieldSeries{}, fmt.Errorf("%w: timestep-buffer has %d values, want %d", ErrDecode, len(values), want)
	}
	return core.ScalarFieldSeries{Values: values, Descriptor: desc}, nil
}

// get retries transport failures and 5xx responses with exponential
// backoff. 4xx responses are returned at once.
func (c *Client) get(ctx context.Context, endpoint string, itemNumber int) ([]byte, error) {
	u := c.endpoint(endpoint, itemNumber)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initial

	attempt := 0
	return backoff.Retry(ctx, func() ([]byte, error) {
		attempt++
		return c.once(ctx, u)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.Warn(ctx, "retrying request",
				logging.String("endpoint", endpoint),
				logging.Int("attempt", attempt),
				logging.Duration("backoff", next),
				logging.Err(err),
			)
		}),
	)
}

func (c *Client) once(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%w: %v", ErrFetch, err))
	}
	if id := logging.RequestIDFromContext(ctx); id != "" {
		req.Header.Set("X-Request-Id", id)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrFetch, u, err)
	}
	if resp.StatusCode/100 == 2 {
		return body, nil
	}

	err = fmt.Errorf("%w: GET %s: status %d: %s", ErrFetch, u, resp.StatusCode, serverMessage(body))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return nil, backoff.Permanent(err)
	}
	return nil, err
}

func (c *Client) endpoint(name string, itemNumber int) string {
	u := *c.base
	u.Path = u.Path + apiPrefix + "/" + name
	q := url.Values{}
	if itemNumber > 0 {
		q.Set("itemNumber", strconv.Itoa(itemNumber))
	}
	if c.source != "" {
		q.Set("source", c.source)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// serverMessage extracts {"error": ...} or falls back to the raw body.
func serverMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}
