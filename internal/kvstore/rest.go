package kvstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// RESTStore talks to an Upstash-style Redis REST endpoint: one command per
// POST, the command encoded as a JSON array, bearer-token auth. This is the
// only access path the hosting environment offers, which is why the rest of
// the pipeline is built on single-key atomic commands.
type RESTStore struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewRESTStore builds a client for the given REST endpoint and fails fast if
// the store is unreachable.
func NewRESTStore(baseURL, token string) (*RESTStore, error) {
	if baseURL == "" {
		return nil, errors.New("kvstore: base URL required")
	}
	if token == "" {
		return nil, errors.New("kvstore: token required")
	}

	s := &RESTStore{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 5 * time.Second},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// commandResponse is the REST envelope: exactly one of Result or Error is set.
type commandResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

// do issues one command and returns the raw result.
func (s *RESTStore) do(ctx context.Context, command ...any) (json.RawMessage, error) {
	body, err := json.Marshal(command)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kvstore: %s: %w", commandName(command), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var cr commandResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return nil, fmt.Errorf("kvstore: %s: malformed response: %w", commandName(command), err)
	}
	if cr.Error != "" {
		return nil, fmt.Errorf("kvstore: %s: %s", commandName(command), cr.Error)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("kvstore: %s: unexpected status %d", commandName(command), resp.StatusCode)
	}
	return cr.Result, nil
}

func commandName(command []any) string {
	if len(command) == 0 {
		return "?"
	}
	name, _ := command[0].(string)
	return name
}

func (s *RESTStore) doInt(ctx context.Context, command ...any) (int64, error) {
	raw, err := s.do(ctx, command...)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("kvstore: %s: non-integer result %q", commandName(command), raw)
	}
	return n, nil
}

func ttlSeconds(ttl time.Duration) string {
	secs := int64(ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

func (s *RESTStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.doInt(ctx, "INCR", key)
}

func (s *RESTStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	n, err := s.doInt(ctx, "EXPIRE", key, ttlSeconds(ttl))
	return n == 1, err
}

func (s *RESTStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	raw, err := s.do(ctx, "SET", key, value, "EX", ttlSeconds(ttl), "NX")
	if err != nil {
		return false, err
	}
	// "OK" when set, null when the key already existed.
	return string(raw) != "null" && len(raw) > 0, nil
}

func (s *RESTStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.do(ctx, "SET", key, value, "EX", ttlSeconds(ttl))
	return err
}

func (s *RESTStore) Get(ctx context.Context, key string) (string, bool, error) {
	raw, err := s.do(ctx, "GET", key)
	if err != nil {
		return "", false, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return "", false, nil
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false, fmt.Errorf("kvstore: GET: non-string result %q", raw)
	}
	return v, true, nil
}

func (s *RESTStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	command := make([]any, 0, len(keys)+1)
	command = append(command, "DEL")
	for _, k := range keys {
		command = append(command, k)
	}
	_, err := s.do(ctx, command...)
	return err
}

func (s *RESTStore) LPush(ctx context.Context, key, value string) (int64, error) {
	return s.doInt(ctx, "LPUSH", key, value)
}

func (s *RESTStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	raw, err := s.do(ctx, "LRANGE", key, strconv.FormatInt(start, 10), strconv.FormatInt(stop, 10))
	if err != nil {
		return nil, err
	}
	var items []string
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("kvstore: LRANGE: malformed result %q", raw)
	}
	return items, nil
}

func (s *RESTStore) LRem(ctx context.Context, key, value string) (int64, error) {
	return s.doInt(ctx, "LREM", key, "0", value)
}

func (s *RESTStore) Ping(ctx context.Context) error {
	_, err := s.do(ctx, "PING")
	return err
}
