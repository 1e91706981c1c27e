package sink

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// sinkRecorder captures what the fake sink receives so assertions can run
// on the test goroutine.
type sinkRecorder struct {
	mtx      sync.Mutex
	attempts int
	body     []byte
	username string
	password string
	ctype    string
}

// newFakeSink starts a server whose per-attempt status codes are taken
// from statuses; the last status repeats once the list is exhausted.
func newFakeSink(t *testing.T, rec *sinkRecorder, statuses ...int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.mtx.Lock()
		defer rec.mtx.Unlock()
		rec.attempts++
		rec.body, _ = io.ReadAll(r.Body)
		rec.username, rec.password, _ = r.BasicAuth()
		rec.ctype = r.Header.Get("Content-Type")
		status := statuses[len(statuses)-1]
		if rec.attempts <= len(statuses) {
			status = statuses[rec.attempts-1]
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newClientForTest(t *testing.T, url string) *Client {
	t.Helper()
	c, err := New(Options{
		URL:            url,
		Username:       "genhook",
		Password:       "hunter2",
		Attempts:       3,
		InitialBackoff: time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func TestNew_RequiresURL(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestFormatMessage(t *testing.T) {
	require.Equal(t, "github:abc123:PR opened by alice",
		FormatMessage("github", "abc123", "PR opened by alice"))
}

func TestSend_PostsAuthenticatedJSON(t *testing.T) {
	rec := &sinkRecorder{}
	srv := newFakeSink(t, rec, http.StatusOK)
	c := newClientForTest(t, srv.URL)

	err := c.Send(context.Background(), "github:abc123:PR opened", "/api/organization/42")
	require.NoError(t, err)

	require.Equal(t, 1, rec.attempts)
	require.Equal(t, "genhook", rec.username)
	require.Equal(t, "hunter2", rec.password)
	require.Equal(t, "application/json", rec.ctype)
	var got messageRequest
	require.NoError(t, json.Unmarshal(rec.body, &got))
	require.Equal(t, "github:abc123:PR opened", got.Message)
	require.Equal(t, "/api/organization/42", got.AlignedResource)
}

func TestSend_RetriesServerErrorsUntilSuccess(t *testing.T) {
	rec := &sinkRecorder{}
	srv := newFakeSink(t, rec, http.StatusInternalServerError, http.StatusBadGateway, http.StatusOK)
	c := newClientForTest(t, srv.URL)

	err := c.Send(context.Background(), "m", "/api/organization/0")
	require.NoError(t, err)
	require.Equal(t, 3, rec.attempts)
}

func TestSend_ExhaustedRetriesAreUnavailable(t *testing.T) {
	rec := &sinkRecorder{}
	srv := newFakeSink(t, rec, http.StatusServiceUnavailable)
	c := newClientForTest(t, srv.URL)

	err := c.Send(context.Background(), "m", "/api/organization/0")
	require.Error(t, err)
	require.True(t, IsUnavailable(err))
	require.False(t, IsRejected(err))
	require.Equal(t, 3, rec.attempts)
}

func TestSend_ClientErrorIsRejectedWithoutRetry(t *testing.T) {
	rec := &sinkRecorder{}
	srv := newFakeSink(t, rec, http.StatusNotFound)
	c := newClientForTest(t, srv.URL)

	err := c.Send(context.Background(), "m", "/api/organization/0")
	require.Error(t, err)
	require.True(t, IsRejected(err))
	require.Equal(t, 1, rec.attempts)
}

func TestSend_RedirectIsRejectedWithoutRetry(t *testing.T) {
	rec := &sinkRecorder{}
	srv := newFakeSink(t, rec, http.StatusFound)
	c := newClientForTest(t, srv.URL)

	err := c.Send(context.Background(), "m", "/api/organization/0")
	require.Error(t, err)
	require.True(t, IsRejected(err))
	require.Equal(t, 1, rec.attempts)
}

func TestSend_NetworkErrorsAreUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()
	c := newClientForTest(t, url)

	err := c.Send(context.Background(), "m", "/api/organization/0")
	require.Error(t, err)
	require.True(t, IsUnavailable(err))
	require.False(t, IsRejected(err))
}

func TestSend_AttemptTimeoutIsEnforced(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	c, err := New(Options{
		URL:            srv.URL,
		Attempts:       2,
		Timeout:        20 * time.Millisecond,
		InitialBackoff: time.Millisecond,
	})
	require.NoError(t, err)

	start := time.Now()
	err = c.Send(context.Background(), "m", "/api/organization/0")
	require.Error(t, err)
	require.True(t, IsUnavailable(err))
	require.Less(t, time.Since(start), 5*time.Second)
}
