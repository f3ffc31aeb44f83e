package batch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ozmeal/catering-agent/internal/model"
	"github.com/ozmeal/catering-agent/internal/storage"
)

func testEntry(id, email, option string) Entry {
	return Entry{
		ID: id,
		Profile: model.ReservationProfile{
			Email:          email,
			Name:           "User",
			EmployeeID:     "1234",
			CateringOption: option,
		},
	}
}

func newTestState(t *testing.T) *storage.State {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	kv, err := storage.NewSQLiteKV(logger, filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	state := storage.NewState(logger, kv)
	require.NoError(t, state.EnsureDefaults(context.Background()))
	return state
}

func TestExecutor_Success(t *testing.T) {
	var mu sync.Mutex
	var forms []map[string]string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		mu.Lock()
		forms = append(forms, map[string]string{
			"email": r.PostFormValue("email"),
			"empNo": r.PostFormValue("empNo"),
			"type":  r.PostFormValue("type"),
		})
		mu.Unlock()
		w.Write([]byte("신청이 완료되었습니다"))
	}))
	defer server.Close()

	logger, _ := zap.NewDevelopment()
	state := newTestState(t)
	executor := NewExecutor(logger, server.URL, state)

	summary := executor.Run(context.Background(), []Entry{
		testEntry("u1", "one@example.com", "slot1"),
	})

	require.Equal(t, 1, summary.Processed)
	require.Equal(t, 1, summary.Successful)
	require.Equal(t, 0, summary.Failed)
	require.Empty(t, summary.Failures)

	// Submission carried the mapped option code, not the label.
	require.Len(t, forms, 1)
	require.Equal(t, "one@example.com", forms[0]["email"])
	require.Equal(t, "01", forms[0]["type"])

	history, err := state.History(context.Background())
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.True(t, history[0].Success)
	require.Contains(t, history[0].Message, "[batch]")

	// Batch outcomes must not become the last result: a server-side
	// success for one profile would otherwise dedupe today's driven run.
	last, err := state.LastResult(context.Background())
	require.NoError(t, err)
	require.Nil(t, last)
}

func TestExecutor_FallbackChain(t *testing.T) {
	var mu sync.Mutex
	var codes []string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		mu.Lock()
		codes = append(codes, r.PostFormValue("type"))
		mu.Unlock()
		w.Write([]byte("마감되었습니다"))
	}))
	defer server.Close()

	logger, _ := zap.NewDevelopment()
	executor := NewExecutor(logger, server.URL, nil)

	summary := executor.Run(context.Background(), []Entry{
		testEntry("u1", "one@example.com", "slot1"),
	})

	require.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Failures, 1)
	require.Equal(t, 2, summary.Failures[0].Retries)
	require.Contains(t, summary.Failures[0].Message, "[2 retries]")

	// slot1 -> slot2 -> slot3, as option codes on the wire.
	require.Equal(t, []string{"01", "02", "03"}, codes)
}

func TestExecutor_NonChainOptionDoesNotRetry(t *testing.T) {
	var mu sync.Mutex
	requests := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		w.Write([]byte("마감되었습니다"))
	}))
	defer server.Close()

	logger, _ := zap.NewDevelopment()
	executor := NewExecutor(logger, server.URL, nil)

	summary := executor.Run(context.Background(), []Entry{
		testEntry("u1", "one@example.com", "combo"),
	})

	require.Equal(t, 1, summary.Failed)
	require.Equal(t, 0, summary.Failures[0].Retries)
	require.Equal(t, 1, requests)
}

func TestExecutor_MixedBatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.PostFormValue("email") == "bad@example.com" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Write([]byte("신청이 완료되었습니다"))
	}))
	defer server.Close()

	logger, _ := zap.NewDevelopment()
	executor := NewExecutor(logger, server.URL, nil)

	summary := executor.Run(context.Background(), []Entry{
		testEntry("u1", "good@example.com", "combo"),
		testEntry("u2", "bad@example.com", "combo"),
		testEntry("u3", "also-good@example.com", "salad"),
	})

	require.Equal(t, 3, summary.Processed)
	require.Equal(t, 2, summary.Successful)
	require.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Failures, 1)
	require.Equal(t, "bad@example.com", summary.Failures[0].Email)
	require.Contains(t, summary.Failures[0].Message, "HTTP 400")
}

func TestExecutor_AlreadyReserved(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("이미 예약된 내역이 있습니다"))
	}))
	defer server.Close()

	logger, _ := zap.NewDevelopment()
	executor := NewExecutor(logger, server.URL, nil)

	summary := executor.Run(context.Background(), []Entry{
		testEntry("u1", "one@example.com", "slot1"),
	})

	// Already-reserved counts as success, never as a retryable failure.
	require.Equal(t, 1, summary.Successful)
	require.Equal(t, 0, summary.Failed)
}

func TestExecutor_EmptyBatch(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	executor := NewExecutor(logger, "http://unused.example.com", nil)

	summary := executor.Run(context.Background(), nil)
	require.Equal(t, 0, summary.Processed)
	require.Equal(t, 0, summary.Successful)
	require.Equal(t, 0, summary.Failed)
}
