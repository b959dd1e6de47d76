// Package gql sends signed queries to the backend's query endpoint.
package gql

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnsync/pkg/errkind"
	"github.com/go-go-golems/turnsync/pkg/retry"
)

const (
	DefaultPath = "/api/gql_POST"
	DefaultSalt = "WpuLMiXEKKE98j56k"

	HeaderFormKey  = "poe-formkey"
	HeaderTChannel = "poe-tchannel"
	HeaderTagID    = "poe-tag-id"
)

type Options struct {
	// Endpoint is the full query URL.
	Endpoint string
	// Header is sent with every request, before the signing headers.
	Header http.Header
	Salt   string
	Client *http.Client
	Retry  *retry.Policy
	Logger *zerolog.Logger
}

type Response struct {
	Data   json.RawMessage `json:"data"`
	Errors []ResponseError `json:"errors,omitempty"`
}

type ResponseError struct {
	Message string `json:"message"`
}

// HasError reports whether any error message equals msg.
func (r *Response) HasError(msg string) bool {
	if r == nil {
		return false
	}
	for _, e := range r.Errors {
		if e.Message == msg {
			return true
		}
	}
	return false
}

type payload struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
	QueryName string         `json:"queryName,omitempty"`
}

type CallOption func(*payload)

// WithQueryName sets the display name some mutations are registered under.
func WithQueryName(name string) CallOption {
	return func(p *payload) { p.QueryName = name }
}

type Client struct {
	opts   Options
	client *http.Client
	logger zerolog.Logger

	mu      sync.RWMutex
	formKey string
	channel string
}

func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.Endpoint) == "" {
		return nil, errors.New("gql client: empty endpoint")
	}
	if opts.Salt == "" {
		opts.Salt = DefaultSalt
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Client{
		opts:   opts,
		client: client,
		logger: logger.With().Str("component", "gql").Logger(),
	}, nil
}

// SetCredentials installs the signing seed and the channel secret used for the
// following requests. Both change on every re-bootstrap.
func (c *Client) SetCredentials(formKey, channelSecret string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.formKey = formKey
	c.channel = channelSecret
}

func (c *Client) credentials() (string, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.formKey, c.channel
}

// Sign returns the request signature: md5 hex of the body, the seed and the salt.
func Sign(body []byte, formKey, salt string) string {
	h := md5.New()
	h.Write(body)
	h.Write([]byte(formKey))
	h.Write([]byte(salt))
	return hex.EncodeToString(h.Sum(nil))
}

func encodePayload(p payload) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(p); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Do sends the named query with variables through the retry policy. Transport
// failures, retryable statuses and answers without a data envelope are retried.
func (c *Client) Do(ctx context.Context, queryName string, variables map[string]any, opts ...CallOption) (*Response, error) {
	doc, err := Query(queryName)
	if err != nil {
		return nil, err
	}
	if variables == nil {
		variables = map[string]any{}
	}
	p := payload{Query: doc, Variables: variables}
	for _, o := range opts {
		o(&p)
	}
	body, err := encodePayload(p)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s", queryName)
	}

	var out *Response
	err = c.opts.Retry.Do(ctx, queryName, func(ctx context.Context) error {
		resp, err := c.post(ctx, queryName, body)
		if err != nil {
			return err
		}
		out = resp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, queryName string, body []byte) (*Response, error) {
	formKey, secret := c.credentials()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	for k, vs := range c.opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderFormKey, formKey)
	req.Header.Set(HeaderTChannel, secret)
	req.Header.Set(HeaderTagID, Sign(body, formKey, c.opts.Salt))

	c.logger.Debug().Str("query", queryName).Int("bytes", len(body)).Msg("sending query")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, retry.Transient(errors.Wrapf(err, "post %s", queryName))
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.Transient(errors.Wrapf(err, "read %s response", queryName))
	}
	if resp.StatusCode != http.StatusOK {
		err := errors.Errorf("%s: status %d", queryName, resp.StatusCode)
		switch {
		case retry.TransientStatus(resp.StatusCode):
			return nil, retry.Transient(err)
		case resp.StatusCode == http.StatusUnauthorized:
			return nil, errkind.New(errkind.InvalidCredential, err)
		default:
			return nil, errkind.New(errkind.ProtocolViolation, err)
		}
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, retry.Transient(errors.Wrapf(err, "decode %s response", queryName))
	}
	if len(out.Data) == 0 || bytes.Equal(out.Data, []byte("null")) {
		return nil, retry.Transient(errors.Errorf("%s: response has no data", queryName))
	}
	return &out, nil
}
