package kvstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeKV implements just enough of the REST command protocol to exercise the
// client: one JSON-array command per POST, {"result": ...} envelope.
func fakeKV(t *testing.T, commands *[][]any) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		var cmd []any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&cmd))
		*commands = append(*commands, cmd)

		name, _ := cmd[0].(string)
		var result any
		switch name {
		case "PING":
			result = "PONG"
		case "INCR":
			result = 1
		case "EXPIRE":
			result = 1
		case "SET":
			// NX on an existing key answers null.
			if len(cmd) == 6 && cmd[1] == "taken" {
				result = nil
			} else {
				result = "OK"
			}
		case "GET":
			if cmd[1] == "present" {
				result = "value"
			} else {
				result = nil
			}
		case "DEL":
			result = 1
		case "LPUSH":
			result = 2
		case "LRANGE":
			result = []string{"b", "a"}
		case "LREM":
			result = 1
		default:
			t.Fatalf("unexpected command %q", name)
		}

		_ = json.NewEncoder(w).Encode(map[string]any{"result": result})
	}))
}

func TestRESTStoreCommands(t *testing.T) {
	var commands [][]any
	srv := fakeKV(t, &commands)
	defer srv.Close()

	s, err := NewRESTStore(srv.URL, "test-token")
	require.NoError(t, err)

	ctx := context.Background()

	n, err := s.Incr(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ok, err := s.Expire(ctx, "c", 60*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	created, err := s.SetNX(ctx, "fresh", "v", time.Minute)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.SetNX(ctx, "taken", "v", time.Minute)
	require.NoError(t, err)
	assert.False(t, created)

	v, found, err := s.Get(ctx, "present")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "value", v)

	_, found, err = s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	items, err := s.LRange(ctx, "list", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, items)

	// SET with NX and EX must be a single command, not a pipeline.
	for _, cmd := range commands {
		name, _ := cmd[0].(string)
		if name == "SET" && len(cmd) == 6 {
			assert.Equal(t, "EX", cmd[3])
			assert.Equal(t, "NX", cmd[5])
		}
	}
}

func TestRESTStoreErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var cmd []any
		_ = json.NewDecoder(r.Body).Decode(&cmd)
		if cmd[0] == "PING" {
			_ = json.NewEncoder(w).Encode(map[string]any{"result": "PONG"})
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "WRONGTYPE wrong kind of value"})
	}))
	defer srv.Close()

	s, err := NewRESTStore(srv.URL, "t")
	require.NoError(t, err)

	_, err = s.Incr(context.Background(), "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WRONGTYPE")
}

func TestNewRESTStoreFailsFast(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "down"})
	}))
	defer srv.Close()

	_, err := NewRESTStore(srv.URL, "t")
	assert.Error(t, err)
}
