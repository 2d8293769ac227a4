package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rewardkit/core"
)

func TestSink_OnEventPostsToEndpoints(t *testing.T) {
	var hits int32
	var sig string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		sig = r.Header.Get(SignatureHeader)
		body, _ = io.ReadAll(r.Body)
		_ = r.Body.Close()
	}))
	defer srv.Close()

	sink := New([]string{srv.URL}, WithSecret("s3cret"))
	sink.OnEvent(context.Background(), core.NewQuestDiscovered("u1", "grove", "hint"))

	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
	assert.Equal(t, Sign([]byte("s3cret"), body), sig)
	assert.Contains(t, string(body), `"quest_discovered"`)
}

func TestSink_FiltersTypes(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	sink := New([]string{srv.URL}, WithEventTypes(core.EventBadgeGranted))
	require.NoError(t, sink.Deliver(context.Background(), core.NewQuestDiscovered("u1", "grove", "")))
	require.NoError(t, sink.Deliver(context.Background(), core.NewBadgeEvent(core.EventBadgeGranted, "u1", "b")))
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestSink_RetriesServerErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	sink := New([]string{srv.URL}, WithMaxRetries(3))
	require.NoError(t, sink.Deliver(context.Background(), core.NewBadgeEvent(core.EventBadgeGranted, "u1", "b")))
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestSink_ClientErrorIsPermanent(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	sink := New([]string{srv.URL}, WithMaxRetries(3))
	err := sink.Deliver(context.Background(), core.NewBadgeEvent(core.EventBadgeGranted, "u1", "b"))
	assert.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}
