package originclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baechuer/cityevents/services/media-uploader/internal/domain"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", "tok", zerolog.Nop())
}

func TestPresign_SendsScopeAndAuth(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/presign", r.URL.Path)
		assert.Equal(t, "image/jpeg", r.URL.Query().Get("content_type"))
		assert.Equal(t, "2048", r.URL.Query().Get("content_length"))
		assert.Equal(t, "cat photo.jpg", r.URL.Query().Get("filename"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		w.Write([]byte(`{"presigned_url":"http://s3/put","file_key":"raw/k.jpg"}`))
	})

	out, err := c.Presign(context.Background(), "image/jpeg", 2048, "cat photo.jpg")
	require.NoError(t, err)
	assert.Equal(t, "http://s3/put", out.PresignedURL)
	assert.Equal(t, "raw/k.jpg", out.FileKey)
}

func TestPresign_RateLimited(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.Presign(context.Background(), "image/jpeg", 1, "a.jpg")
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, http.StatusTooManyRequests, StatusCode(err))
}

func TestPresign_GenericError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"bucket offline"}`))
	})

	_, err := c.Presign(context.Background(), "image/jpeg", 1, "a.jpg")
	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, 500, serr.StatusCode)
	assert.Equal(t, "bucket offline", serr.Message)
}

func TestPut_StreamsBody(t *testing.T) {
	var got []byte
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "image/png", r.Header.Get("Content-Type"))
		assert.Empty(t, r.Header.Get("Authorization"))
		assert.Equal(t, int64(5), r.ContentLength)
		got, _ = io.ReadAll(r.Body)
	})

	err := c.Put(context.Background(), c.BaseURL+"/bucket/key", strings.NewReader("hello"), "image/png", 5)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestComplete_RejectedCarriesBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var in CompleteRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "raw/k.jpg", in.FileKey)
		assert.True(t, in.Quick)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"violates policy","moderation_status":"rejected"}`))
	})

	_, err := c.Complete(context.Background(), CompleteRequest{FileKey: "raw/k.jpg", Quick: true})
	var cerr *CompleteError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "rejected", cerr.Response.ModerationStatus)
	assert.Contains(t, cerr.Error(), "violates policy")
}

func TestComplete_NumericJobIDAndKeyFallback(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"urls":{"original":"http://cdn/o.jpg","thumb":"http://cdn/t.jpg"},"variants_pending":true,"ai_job_id":42}`))
	})

	out, err := c.Complete(context.Background(), CompleteRequest{FileKey: "raw/k.jpg"})
	require.NoError(t, err)
	assert.Equal(t, "raw/k.jpg", out.FileKey)
	assert.Equal(t, ID("42"), out.AIJobID)
	assert.True(t, out.VariantsPending)
	assert.Equal(t, "http://cdn/t.jpg", out.URLs["thumb"])
}

func TestModerate_TaskHandle(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/moderate":
			w.Write([]byte(`{"task_id":"t-1"}`))
		case "/moderation-status":
			assert.Equal(t, "t-1", r.URL.Query().Get("task_id"))
			w.Write([]byte(`{"status":"approved","ai_job_id":"job-9"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	res, err := c.Moderate(context.Background(), ModerateRequest{FileKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, ID("t-1"), res.TaskID)
	assert.Empty(t, res.Status)

	st, err := c.ModerationStatus(context.Background(), string(res.TaskID))
	require.NoError(t, err)
	assert.Equal(t, "approved", st.Status)
	assert.Equal(t, ID("job-9"), st.AIJobID)
}

func TestAIJob_TerminalStatuses(t *testing.T) {
	codes := map[string]int{"401": 401, "403": 403, "404": 404}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/ai-job-status/")
		w.WriteHeader(codes[id])
	})

	_, err := c.AIJob(context.Background(), "401")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = c.AIJob(context.Background(), "403")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = c.AIJob(context.Background(), "404")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteForm_BeaconShape(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/delete", r.URL.Path)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "raw/k.mp4", r.PostForm.Get("file_key"))
		assert.Equal(t, "true", r.PostForm.Get("is_video"))
	})

	assert.NoError(t, c.DeleteForm(context.Background(), "raw/k.mp4", true))
}

func TestSubmit_Multipart(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "raw/k.jpg", r.FormValue("b2_file_key"))
		assert.Equal(t, "My title", r.FormValue("title"))
		w.Write([]byte(`{"redirect_url":"/media/1"}`))
	})

	out, err := c.Submit(context.Background(), map[string]string{"b2_file_key": "raw/k.jpg", "title": "My title"})
	require.NoError(t, err)
	assert.Equal(t, "/media/1", out.RedirectURL)
}

func TestTransportErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()
	c := New(srv.URL, "", zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.AIJob(ctx, "1")
	assert.ErrorIs(t, err, ErrTimeout)

	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	_, err = c.AIJob(ctx, "1")
	assert.True(t, errors.Is(err, context.Canceled))

	dead := New("http://127.0.0.1:1", "", zerolog.Nop())
	_, err = dead.AIJob(context.Background(), "1")
	assert.ErrorIs(t, err, ErrUnavailable)
}
