// Package cache provides the two-tier key/value cache: an in-process map in
// front of a remote key/value store spoken to over a REST command protocol.
//
// The remote store accepts a POSTed JSON array holding a command and its
// arguments (["INCR", key], ["SETEX", key, ttl, value], ...) and answers
// with a JSON object carrying a "result" field. Any transport failure,
// non-2xx status or malformed body is reported as ErrUnavailable; callers
// treat that as a miss rather than a failure.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrUnavailable is returned when the remote store gives no usable result.
var ErrUnavailable = errors.New("remote cache unavailable")

// DefaultTimeout bounds every remote call.
const DefaultTimeout = 2 * time.Second

// RemoteConfig configures the REST client.
type RemoteConfig struct {
	URL     string        // REST endpoint, e.g. https://eu1-fancy-cat.upstash.io
	Token   string        // Bearer token
	Timeout time.Duration // Per-call timeout, DefaultTimeout when zero
}

// Remote is a client for the REST key/value store.
type Remote struct {
	client  *resty.Client
	url     string
	timeout time.Duration
	logger  *slog.Logger
}

type commandResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

// NewRemote creates a Remote. It returns nil when no URL is configured, and
// every Cache method tolerates a nil Remote.
func NewRemote(cfg RemoteConfig, logger *slog.Logger) *Remote {
	if cfg.URL == "" {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	return &Remote{
		client:  client,
		url:     cfg.URL,
		timeout: timeout,
		logger:  logger,
	}
}

// Do sends one command and returns the raw "result" value.
func (r *Remote) Do(ctx context.Context, args ...any) (json.RawMessage, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: not configured", ErrUnavailable)
	}
	if len(args) == 0 {
		return nil, errors.New("cache: empty command")
	}

	result, err := r.do(ctx, args)
	if err != nil {
		r.logger.Debug("remote cache command failed", "command", args[0], "error", err)
	}
	return result, err
}

func (r *Remote) do(ctx context.Context, args []any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(args).
		Post(r.url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v %v", ErrUnavailable, args[0], err)
	}
	if code := resp.StatusCode(); code < 200 || code > 299 {
		return nil, fmt.Errorf("%w: %v returned status %d", ErrUnavailable, args[0], code)
	}

	var out commandResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("%w: %v malformed response: %v", ErrUnavailable, args[0], err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("%w: %v: %s", ErrUnavailable, args[0], out.Error)
	}
	return out.Result, nil
}

// Get returns the value stored at key. found is false when the key is absent.
func (r *Remote) Get(ctx context.Context, key string) (value string, found bool, err error) {
	raw, err := r.Do(ctx, "GET", key)
	if err != nil {
		return "", false, err
	}
	if isNull(raw) {
		return "", false, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		// Numbers come back unquoted from some stores
		return string(raw), true, nil
	}
	return s, true, nil
}

// SetEX stores value at key with the given time to live.
func (r *Remote) SetEX(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := r.Do(ctx, "SETEX", key, seconds(ttl), value)
	return err
}

// Incr atomically increments the counter at key and returns the new value.
func (r *Remote) Incr(ctx context.Context, key string) (int64, error) {
	raw, err := r.Do(ctx, "INCR", key)
	if err != nil {
		return 0, err
	}
	return decodeInt(raw)
}

// Expire sets the time to live of key.
func (r *Remote) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := r.Do(ctx, "EXPIRE", key, seconds(ttl))
	return err
}

// TTL returns the remaining time to live of key. Like the store, it returns
// -1s for a key without expiry and -2s for a missing key.
func (r *Remote) TTL(ctx context.Context, key string) (time.Duration, error) {
	raw, err := r.Do(ctx, "TTL", key)
	if err != nil {
		return 0, err
	}
	n, err := decodeInt(raw)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

// Del removes keys and returns how many existed.
func (r *Remote) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(keys)+1)
	args = append(args, "DEL")
	for _, k := range keys {
		args = append(args, k)
	}
	raw, err := r.Do(ctx, args...)
	if err != nil {
		return 0, err
	}
	return decodeInt(raw)
}

// Ping checks that the store answers.
func (r *Remote) Ping(ctx context.Context) error {
	_, err := r.Do(ctx, "PING")
	return err
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func decodeInt(raw json.RawMessage) (int64, error) {
	if isNull(raw) {
		return 0, fmt.Errorf("%w: missing result", ErrUnavailable)
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
	}
	return 0, fmt.Errorf("%w: unexpected result %s", ErrUnavailable, string(raw))
}

func seconds(ttl time.Duration) int64 {
	s := int64(ttl / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
