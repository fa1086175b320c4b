package client

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	c := NewClient("http://localhost:8080/")
	assert.Equal(t, "http://localhost:8080", c.baseURL)
	require.NotNil(t, c.httpClient)
	assert.Equal(t, 5*time.Minute, c.httpClient.Timeout)
}

func TestClient_Create(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/shares", r.URL.Path)

		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "hello", r.FormValue("text"))
		assert.Equal(t, "3", r.FormValue("maxViews"))
		assert.Equal(t, "2", r.FormValue("expiryHours"))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		data, _ := io.ReadAll(file)
		assert.Equal(t, "a.txt", header.Filename)
		assert.Equal(t, "file body", string(data))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"success":true,"data":{"code":"ABCD1234","url":"http://x/api/v1/shares/ABCD1234","hasText":true,"hasFile":true}}`))
	}))
	defer server.Close()

	maxViews, expiry := 3, 2
	created, err := NewClient(server.URL).Create(context.Background(), &CreateRequest{
		Text:        "hello",
		FileName:    "a.txt",
		File:        bytes.NewReader([]byte("file body")),
		MaxViews:    &maxViews,
		ExpiryHours: &expiry,
	})
	require.NoError(t, err)
	assert.Equal(t, "ABCD1234", created.Code)
	assert.True(t, created.HasFile)
}

func TestClient_CreateValidationError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"success":false,"error":"Please provide either text content or a file to share."}`))
	}))
	defer server.Close()

	_, err := NewClient(server.URL).Create(context.Background(), &CreateRequest{})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "Please provide either text content or a file to share.", apiErr.Message)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestClient_Get(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/shares/ABCD1234":
			w.Write([]byte(`{"success":true,"data":{"code":"ABCD1234","text":"hi","viewCount":1,"maxViews":2,"remainingViews":1}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"success":false,"error":"Content not found or expired."}`))
		}
	}))
	defer server.Close()

	c := NewClient(server.URL)

	got, err := c.Get(context.Background(), "ABCD1234")
	require.NoError(t, err)
	require.NotNil(t, got.Text)
	assert.Equal(t, "hi", *got.Text)
	require.NotNil(t, got.RemainingViews)
	assert.Equal(t, 1, *got.RemainingViews)

	_, err = c.Get(context.Background(), "GONE0000")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "Content not found or expired.")
}

func TestClient_Download(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/shares/ABCD1234/download", r.URL.Path)
		w.Header().Set("Content-Disposition", `attachment; filename="r_sum_.pdf"; filename*=UTF-8''r%C3%A9sum%C3%A9.pdf`)
		w.Write([]byte("pdf bytes"))
	}))
	defer server.Close()

	var buf bytes.Buffer
	name, n, err := NewClient(server.URL).Download(context.Background(), "ABCD1234", &buf)
	require.NoError(t, err)
	assert.Equal(t, "résumé.pdf", name)
	assert.Equal(t, int64(9), n)
	assert.Equal(t, "pdf bytes", buf.String())
}

func TestClient_DownloadNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"success":false,"error":"Content not found or expired."}`))
	}))
	defer server.Close()

	var buf bytes.Buffer
	_, _, err := NewClient(server.URL).Download(context.Background(), "ABCD1234", &buf)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, buf.Len())
}

func TestClient_Delete(t *testing.T) {
	deleted := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		if deleted {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"success":false,"error":"Content not found or already deleted."}`))
			return
		}
		deleted = true
		w.Write([]byte(`{"success":true,"data":{"message":"Content deleted successfully."}}`))
	}))
	defer server.Close()

	c := NewClient(server.URL)
	require.NoError(t, c.Delete(context.Background(), "ABCD1234"))
	assert.ErrorIs(t, c.Delete(context.Background(), "ABCD1234"), ErrNotFound)
}

func TestClient_Health(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true,"data":{"status":"healthy"}}`))
	}))
	defer server.Close()

	assert.NoError(t, NewClient(server.URL).Health(context.Background()))
}

func TestAPIError_PlainBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer server.Close()

	err := NewClient(server.URL).Health(context.Background())
	require.Error(t, err)
	assert.Equal(t, "server returned status 502: upstream exploded", err.Error())
}
