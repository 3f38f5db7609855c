package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twquant/tvgateway/pkg/logger"
)

func TestSendTextFansOut(t *testing.T) {
	var mu sync.Mutex
	var bodies []map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottok/sendMessage", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New("tok", []string{"111", "222"}, logger.New(logger.Config{Level: "error"})).WithBaseURL(srv.URL)
	n.SendText("submit-success", "<b>hello</b>")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 2)
	assert.Equal(t, "111", bodies[0]["chat_id"])
	assert.Equal(t, "222", bodies[1]["chat_id"])
	assert.Equal(t, "HTML", bodies[0]["parse_mode"])
}

func TestPartialFailureDoesNotAbortFanOut(t *testing.T) {
	var mu sync.Mutex
	calls := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New("tok", []string{"111", "222"}, logger.New(logger.Config{Level: "error"})).WithBaseURL(srv.URL)
	n.SendText("fill", "msg")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls, "second recipient still attempted")
}

func TestSendDocument(t *testing.T) {
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottok/sendDocument", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		received <- r.FormValue("caption")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "report.xlsx")
	require.NoError(t, os.WriteFile(path, []byte("stub"), 0o644))

	n := New("tok", []string{"111"}, logger.New(logger.Config{Level: "error"})).WithBaseURL(srv.URL)
	n.SendDocument("report", path, "daily report")

	select {
	case caption := <-received:
		assert.Equal(t, "daily report", caption)
	case <-time.After(time.Second):
		t.Fatal("document not received")
	}
}

func TestDisabledNotifierIsSilent(t *testing.T) {
	n := New("", nil, logger.New(logger.Config{Level: "error"}))
	n.SendText("submit-success", "ignored") // must not panic or block
}
