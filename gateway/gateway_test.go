package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"delogo/task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestBillingClient_Charge(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]chargeBody{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/charges", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		key := r.Header.Get("Idempotency-Key")

		var body chargeBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		mu.Lock()
		defer mu.Unlock()
		if _, dup := seen[key]; dup {
			w.WriteHeader(http.StatusConflict)
			return
		}
		seen[key] = body
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewBillingClient(srv.URL, "secret", time.Second, zaptest.NewLogger(t))
	req := task.ChargeRequest{UserID: "u1", TaskID: "t1", Credits: 15, IdempotencyKey: "t1"}

	require.NoError(t, c.Charge(context.Background(), req))
	require.NoError(t, c.Charge(context.Background(), req), "duplicate charges are accepted as done")
	assert.Equal(t, chargeBody{UserID: "u1", TaskID: "t1", Credits: 15}, seen["t1"])

	assert.Error(t, c.Charge(context.Background(), task.ChargeRequest{TaskID: "t2", Credits: 5}))
}

func TestBillingClient_ChargeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "insufficient credits", http.StatusPaymentRequired)
	}))
	defer srv.Close()

	c := NewBillingClient(srv.URL, "", time.Second, zaptest.NewLogger(t))
	err := c.Charge(context.Background(), task.ChargeRequest{UserID: "u", TaskID: "t", Credits: 5, IdempotencyKey: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "402")
	assert.Contains(t, err.Error(), "insufficient credits")
}

// minimal MP4 header: ftyp box with the isom brand
var mp4Header = []byte{0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm', 0x00, 0x00, 0x02, 0x00, 'i', 's', 'o', 'm', 'i', 's', 'o', '2'}

func TestLocalStorage_Persist(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/out.mp4":
			_, _ = w.Write(append(append([]byte{}, mp4Header...), make([]byte, 128)...))
		case "/huge":
			_, _ = w.Write([]byte(strings.Repeat("x", 4096)))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	s, err := NewLocalStorage(dir, "https://files.example.com/artifacts/", 1024, zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()

	ref, err := s.Persist(ctx, "task1", srv.URL+"/out.mp4")
	require.NoError(t, err)
	assert.Equal(t, "https://files.example.com/artifacts/task1.mp4", ref)
	_, err = os.Stat(filepath.Join(dir, "task1.mp4"))
	assert.NoError(t, err)

	_, err = s.Persist(ctx, "task2", srv.URL+"/huge")
	assert.ErrorContains(t, err, "exceeds")

	_, err = s.Persist(ctx, "task3", srv.URL+"/missing")
	assert.Error(t, err)

	_, err = s.Persist(ctx, "../etc", srv.URL+"/out.mp4")
	assert.Error(t, err)

	_, err = s.Persist(ctx, "task4", "file:///etc/passwd")
	assert.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "failed downloads leave nothing behind")
}
