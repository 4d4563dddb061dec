package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osvaldoandrade/historia/pkg/domain"
	"github.com/osvaldoandrade/historia/pkg/stream"
)

func readEvents(t *testing.T, body io.ReadCloser) []stream.Event {
	t.Helper()
	defer body.Close()
	dec := stream.NewDecoder(body, nil)
	var out []stream.Event
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func TestSubmitStreamsBody(t *testing.T) {
	var got domain.SubmitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/research", r.URL.Path)
		assert.Equal(t, "anon-1", r.Header.Get(AnonymousHeader))
		assert.Empty(t, r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "text/event-stream")
		_ = stream.Encode(w, stream.TaskCreated{TaskID: "abc"})
		_ = stream.Encode(w, stream.Done{})
	}))
	defer srv.Close()

	c := New(srv.URL, WithAnonymousID("anon-1"))
	body, err := c.Submit(context.Background(), domain.Location{Name: "Rome", Lat: 41.9, Lng: 12.5}, "")
	require.NoError(t, err)
	events := readEvents(t, body)

	require.Len(t, events, 2)
	assert.Equal(t, stream.TaskCreated{TaskID: "abc"}, events[0])
	assert.Equal(t, "Rome", got.Location.Name)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "Research the history of Rome", got.Messages[0].Content)
}

func TestSubmitErrorResponseBecomesErrorFrame(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"Daily research limit reached"}`))
	}))
	defer srv.Close()

	body, err := New(srv.URL).Submit(context.Background(), domain.Location{Name: "Rome"}, "")
	require.NoError(t, err)
	events := readEvents(t, body)
	require.Len(t, events, 1)
	assert.Equal(t, stream.Failure{Error: "Daily research limit reached"}, events[0])
}

func TestSubmitTransportErrorBecomesErrorFrame(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	body, err := New(url).Submit(context.Background(), domain.Location{Name: "Rome"}, "")
	require.NoError(t, err)
	events := readEvents(t, body)
	require.Len(t, events, 1)
	_, ok := events[0].(stream.Failure)
	assert.True(t, ok)
}

func TestPollSendsBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/research/poll", r.URL.Path)
		assert.Equal(t, "abc", r.URL.Query().Get("taskId"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Empty(t, r.Header.Get(AnonymousHeader))
		_, _ = w.Write([]byte(`{"status":"running","current_step":3,"total_steps":10,"sources":[{"title":"a","url":"u"}]}`))
	}))
	defer srv.Close()

	snap, err := New(srv.URL, WithToken("tok"), WithAnonymousID("ignored")).Poll(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, snap.Status)
	assert.Equal(t, 3, snap.CurrentStep)
	assert.Len(t, snap.Sources, 1)
}

func TestPollErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"upstream unavailable"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Poll(context.Background(), "abc")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
	assert.Equal(t, "upstream unavailable", apiErr.Message)
}

func TestPublicTaskNotShared(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"Research not found or is not shared"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).PublicTask(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotShared)
}

func TestPublicTaskDecodesStoredImages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/research/public/tok", r.URL.Path)
		body := map[string]any{"task": map[string]any{
			"deepresearch_id": "abc",
			"location_name":   "Rome",
			"status":          "completed",
			"location_images": domain.EncodeLocationImages([]string{"url1", "url2"}),
		}}
		_ = json.NewEncoder(w).Encode(body)
	}))
	defer srv.Close()

	pt, err := New(srv.URL).PublicTask(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "abc", pt.DeepResearchID)
	assert.Equal(t, domain.LocationImages{"url1", "url2"}, pt.LocationImages)
}

func TestShareUnshareListUsage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/research/share", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var body struct {
				TaskID string   `json:"taskId"`
				Images []string `json:"images"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "abc", body.TaskID)
			assert.Equal(t, []string{"img"}, body.Images)
			_, _ = w.Write([]byte(`{"shareUrl":"https://h/share/t1","shareToken":"t1"}`))
		case http.MethodDelete:
			assert.Equal(t, "abc", r.URL.Query().Get("taskId"))
			_, _ = w.Write([]byte(`{"success":true}`))
		}
	})
	mux.HandleFunc("/v1/research/tasks", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"tasks":[{"id":"1","deepresearchId":"abc","status":"running"}]}`))
	})
	mux.HandleFunc("/v1/usage", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"tier":"free","used":2,"limit":3}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL, WithToken("tok"))
	ctx := context.Background()

	res, err := c.Share(ctx, "abc", []string{"img"})
	require.NoError(t, err)
	assert.Equal(t, "t1", res.ShareToken)
	assert.Equal(t, "https://h/share/t1", res.ShareURL)

	require.NoError(t, c.Unshare(ctx, "abc"))

	tasks, err := c.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "abc", tasks[0].ExternalID)

	usage, err := c.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.TierFree, usage.Tier)
	assert.Equal(t, 2, usage.Used)
}

func TestAPIErrorFallsBackToStatusText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := New(srv.URL).Unshare(context.Background(), "abc")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Unauthorized", apiErr.Message)
}

func TestGetTaskEscapesID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/research/tasks/dr%2F1", r.URL.EscapedPath())
		_ = json.NewEncoder(w).Encode(domain.ResearchTask{ID: "t1", ExternalID: "dr/1", Status: domain.StatusRunning})
	}))
	defer srv.Close()

	task, err := New(srv.URL, WithToken("tok")).GetTask(context.Background(), "dr/1")
	require.NoError(t, err)
	assert.Equal(t, "t1", task.ID)
	assert.Equal(t, domain.StatusRunning, task.Status)
}
