package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned for shares that are missing, expired, used up or deleted
var ErrNotFound = errors.New("share not found")

// Client talks to a sharedrop server
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new sharedrop client
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

// CreateRequest describes a new share. Text, File or both must be set.
type CreateRequest struct {
	Text        string
	FileName    string
	File        io.Reader
	MaxViews    *int
	ExpiryHours *int
}

// CreateResponse is the server's answer to a successful create
type CreateResponse struct {
	Code        string    `json:"code"`
	URL         string    `json:"url"`
	DownloadURL string    `json:"downloadUrl,omitempty"`
	QRCodeURL   string    `json:"qrCodeUrl"`
	HasText     bool      `json:"hasText"`
	HasFile     bool      `json:"hasFile"`
	MaxViews    *int      `json:"maxViews,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Share is a retrieved share without file bytes
type Share struct {
	Code           string    `json:"code"`
	Text           *string   `json:"text,omitempty"`
	File           *File     `json:"file,omitempty"`
	ViewCount      int       `json:"viewCount"`
	MaxViews       *int      `json:"maxViews,omitempty"`
	RemainingViews *int      `json:"remainingViews,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// File describes the file attached to a share
type File struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	DownloadURL string `json:"downloadUrl"`
}

// APIError is a non-2xx answer from the server
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Message)
}

// Is makes every 404 match ErrNotFound
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Create uploads a new share
func (c *Client) Create(ctx context.Context, req *CreateRequest) (*CreateResponse, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if req.Text != "" {
		if err := writer.WriteField("text", req.Text); err != nil {
			return nil, fmt.Errorf("failed to write text field: %w", err)
		}
	}
	if req.MaxViews != nil {
		if err := writer.WriteField("maxViews", strconv.Itoa(*req.MaxViews)); err != nil {
			return nil, fmt.Errorf("failed to write maxViews field: %w", err)
		}
	}
	if req.ExpiryHours != nil {
		if err := writer.WriteField("expiryHours", strconv.Itoa(*req.ExpiryHours)); err != nil {
			return nil, fmt.Errorf("failed to write expiryHours field: %w", err)
		}
	}
	if req.File != nil {
		part, err := writer.CreateFormFile("file", req.FileName)
		if err != nil {
			return nil, fmt.Errorf("failed to create file part: %w", err)
		}
		if _, err := io.Copy(part, req.File); err != nil {
			return nil, fmt.Errorf("failed to read file: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish multipart body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/shares", &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	var created CreateResponse
	if err := c.doJSON(httpReq, http.StatusCreated, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// Get retrieves a share. The server counts this as a view.
func (c *Client) Get(ctx context.Context, code string) (*Share, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.shareURL(code), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var share Share
	if err := c.doJSON(httpReq, http.StatusOK, &share); err != nil {
		return nil, err
	}
	return &share, nil
}

// Download streams the share's file to w and returns the file name the
// server suggested. The server counts this as a view.
func (c *Client) Download(ctx context.Context, code string, w io.Writer) (string, int64, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.shareURL(code)+"/download", nil)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return "", 0, decodeError(resp)
	}

	name := ""
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		name = params["filename"]
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return name, n, fmt.Errorf("failed to read file: %w", err)
	}
	return name, n, nil
}

// Delete removes a share
func (c *Client) Delete(ctx context.Context, code string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.shareURL(code), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.doJSON(httpReq, http.StatusOK, nil)
}

// Health checks that the server is up
func (c *Client) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.doJSON(httpReq, http.StatusOK, nil)
}

func (c *Client) shareURL(code string) string {
	return c.baseURL + "/api/v1/shares/" + url.PathEscape(code)
}

func (c *Client) doJSON(req *http.Request, wantStatus int, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != wantStatus {
		return decodeError(resp)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to decode response data: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	apiErr := &APIError{StatusCode: resp.StatusCode}
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error != "" {
		apiErr.Message = env.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}
