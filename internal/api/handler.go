package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gorilla/mux"
	"github.com/sharedrop/sharedrop/internal/middleware"
	"github.com/sharedrop/sharedrop/internal/share"
	"github.com/sirupsen/logrus"
	"github.com/skip2/go-qrcode"
)

const (
	MsgNotFound       = "Content not found or expired."
	MsgDeleted        = "Content deleted successfully."
	MsgDeleteNotFound = "Content not found or already deleted."
	MsgInvalidCode    = "Please enter a valid share code"
	MsgTooLarge       = "The upload exceeds the maximum allowed size."
	MsgUnavailable    = "Unable to allocate a share code, please try again later."
	MsgInternal       = "Internal server error"

	defaultFileName    = "downloaded-file"
	defaultContentType = "application/octet-stream"

	// form fields and multipart framing on top of the file itself
	formOverhead = 1 << 20
	// parts larger than this spill to temporary files
	multipartMemory = 8 << 20

	qrSize = 256
)

// APIResponse is the envelope for every JSON response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// CreateShareResponse is returned by POST /api/v1/shares
type CreateShareResponse struct {
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

// ShareResponse is returned by GET /api/v1/shares/{code}
type ShareResponse struct {
	Code           string        `json:"code"`
	Text           *string       `json:"text,omitempty"`
	File           *FileResponse `json:"file,omitempty"`
	ViewCount      int           `json:"viewCount"`
	MaxViews       *int          `json:"maxViews,omitempty"`
	RemainingViews *int          `json:"remainingViews,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	ExpiresAt      time.Time     `json:"expiresAt"`
}

// FileResponse describes a shared file without its bytes
type FileResponse struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	DownloadURL string `json:"downloadUrl"`
}

// createShareJSON is the JSON form of a share submission. File data is base64.
type createShareJSON struct {
	Text        string `json:"text"`
	MaxViews    *int   `json:"maxViews"`
	ExpiryHours *int   `json:"expiryHours"`
	File        *struct {
		Name        string `json:"name"`
		ContentType string `json:"contentType"`
		Data        []byte `json:"data"`
	} `json:"file"`
}

// Handler serves the share HTTP API
type Handler struct {
	shareManager   share.Manager
	publicURL      string
	maxUploadBytes int64
}

// NewHandler creates a new API handler
func NewHandler(shareManager share.Manager, publicURL string, maxUploadBytes int64) *Handler {
	return &Handler{
		shareManager:   shareManager,
		publicURL:      strings.TrimSuffix(publicURL, "/"),
		maxUploadBytes: maxUploadBytes,
	}
}

// RegisterRoutes registers all share API routes
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/health", h.handleHealth).Methods("GET")
	router.HandleFunc("/ready", h.handleReady).Methods("GET")
	router.HandleFunc("/quick-view", h.handleQuickView).Methods("GET")

	shares := router.PathPrefix("/api/v1/shares").Subrouter()
	shares.HandleFunc("", h.handleCreateShare).Methods("POST")
	shares.HandleFunc("/{code}", h.handleGetShare).Methods("GET")
	shares.HandleFunc("/{code}", h.handleDeleteShare).Methods("DELETE")
	shares.HandleFunc("/{code}/download", h.handleDownload).Methods("GET")
	shares.HandleFunc("/{code}/qr", h.handleQRCode).Methods("GET")
}

// Health check handlers
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "sharedrop"})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if !h.shareManager.IsReady() {
		h.writeError(w, r, "not ready", http.StatusServiceUnavailable)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "service": "sharedrop"})
}

func (h *Handler) handleCreateShare(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+formOverhead)

	req, cleanup, err := h.parseCreateRequest(r)
	defer cleanup()
	if err != nil {
		h.writeShareError(w, r, err)
		return
	}

	if req.File != nil && req.File.Size > h.maxUploadBytes {
		h.writeError(w, r, MsgTooLarge, http.StatusRequestEntityTooLarge)
		return
	}

	if err := req.Validate(); err != nil {
		h.writeShareError(w, r, err)
		return
	}

	created, err := h.shareManager.Create(r.Context(), req)
	if err != nil {
		h.writeShareError(w, r, err)
		return
	}

	resp := CreateShareResponse{
		Code:      created.Code,
		URL:       h.shareURL(created.Code),
		QRCodeURL: h.shareURL(created.Code) + "/qr",
		HasText:   created.HasText(),
		HasFile:   created.HasFile(),
		MaxViews:  created.MaxViews,
		CreatedAt: created.CreatedAt,
		ExpiresAt: created.ExpiresAt,
	}
	if created.HasFile() {
		resp.DownloadURL = h.shareURL(created.Code) + "/download"
	}

	h.writeJSON(w, http.StatusCreated, resp)
}

// parseCreateRequest reads a share submission from a JSON, multipart or
// urlencoded body. The returned cleanup func is always safe to call.
func (h *Handler) parseCreateRequest(r *http.Request) (*share.CreateRequest, func(), error) {
	noop := func() {}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body createShareJSON
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return nil, noop, requestBodyError(err)
		}

		req := &share.CreateRequest{
			Text:        body.Text,
			MaxViews:    body.MaxViews,
			ExpiryHours: body.ExpiryHours,
		}
		if body.File != nil && len(body.File.Data) > 0 {
			req.File = &share.Upload{
				Name:        body.File.Name,
				ContentType: detectContentType(body.File.ContentType, body.File.Data),
				Size:        int64(len(body.File.Data)),
				Content:     bytes.NewReader(body.File.Data),
			}
		}
		return req, noop, nil
	}

	err := r.ParseMultipartForm(multipartMemory)
	if errors.Is(err, http.ErrNotMultipart) {
		err = r.ParseForm()
	}
	if err != nil {
		return nil, noop, requestBodyError(err)
	}

	cleanup := noop
	if r.MultipartForm != nil {
		form := r.MultipartForm
		cleanup = func() { form.RemoveAll() }
	}

	req := &share.CreateRequest{Text: r.FormValue("text")}

	if req.MaxViews, err = optionalInt(r.FormValue("maxViews"), "maxViews"); err != nil {
		return nil, cleanup, err
	}
	if req.ExpiryHours, err = optionalInt(r.FormValue("expiryHours"), "expiryHours"); err != nil {
		return nil, cleanup, err
	}

	if r.MultipartForm == nil {
		return req, cleanup, nil
	}

	file, header, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return req, cleanup, nil
	}
	if err != nil {
		return nil, cleanup, requestBodyError(err)
	}
	prev := cleanup
	cleanup = func() {
		file.Close()
		prev()
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == defaultContentType {
		if mtype, err := mimetype.DetectReader(file); err == nil {
			contentType = mtype.String()
		}
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return nil, cleanup, &share.ContentReadError{FileName: header.Filename, Err: err}
		}
	}

	req.File = &share.Upload{
		Name:        header.Filename,
		ContentType: contentType,
		Size:        header.Size,
		Content:     file,
	}
	return req, cleanup, nil
}

func (h *Handler) handleGetShare(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]

	s, err := h.shareManager.Retrieve(r.Context(), code)
	if err != nil {
		h.writeShareError(w, r, err)
		return
	}

	resp := ShareResponse{
		Code:           s.Code,
		Text:           s.TextBody,
		ViewCount:      s.ViewCount,
		MaxViews:       s.MaxViews,
		RemainingViews: s.RemainingViews(),
		CreatedAt:      s.CreatedAt,
		ExpiresAt:      s.ExpiresAt,
	}
	if s.HasFile() {
		resp.File = &FileResponse{
			Name:        s.File.Name,
			ContentType: s.File.ContentType,
			Size:        s.File.Size,
			DownloadURL: h.shareURL(s.Code) + "/download",
		}
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]

	s, err := h.shareManager.Retrieve(r.Context(), code)
	if err != nil {
		h.writeShareError(w, r, err)
		return
	}
	if !s.HasFile() {
		logrus.WithField("trace_id", middleware.GetTraceID(r.Context())).Warn("Download requested for share without file")
		h.writeError(w, r, MsgNotFound, http.StatusNotFound)
		return
	}

	name := s.File.Name
	if name == "" {
		name = defaultFileName
	}
	contentType := s.File.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(s.File.Data)))
	w.Header().Set("Content-Disposition", contentDisposition(name))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(s.File.Data)
}

func (h *Handler) handleQRCode(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]

	png, err := qrcode.Encode(h.shareURL(code), qrcode.Medium, qrSize)
	if err != nil {
		logrus.WithError(err).Error("Failed to generate QR code")
		h.writeError(w, r, MsgInternal, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(png)))
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

func (h *Handler) handleDeleteShare(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]

	deleted, err := h.shareManager.Delete(r.Context(), code)
	if err != nil {
		h.writeShareError(w, r, err)
		return
	}
	if !deleted {
		h.writeError(w, r, MsgDeleteNotFound, http.StatusNotFound)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"message": MsgDeleted})
}

func (h *Handler) handleQuickView(w http.ResponseWriter, r *http.Request) {
	code := strings.TrimSpace(r.URL.Query().Get("code"))
	if code == "" {
		h.writeError(w, r, MsgInvalidCode, http.StatusBadRequest)
		return
	}

	http.Redirect(w, r, "/api/v1/shares/"+url.PathEscape(code), http.StatusFound)
}

func (h *Handler) shareURL(code string) string {
	return h.publicURL + "/api/v1/shares/" + url.PathEscape(code)
}

// writeShareError maps share errors onto HTTP statuses. Not-found reasons are
// never exposed.
func (h *Handler) writeShareError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *share.ValidationError
	var maxBytesErr *http.MaxBytesError

	switch {
	case errors.As(err, &validationErr):
		h.writeError(w, r, validationErr.Message, http.StatusBadRequest)
	case errors.As(err, &maxBytesErr):
		h.writeError(w, r, MsgTooLarge, http.StatusRequestEntityTooLarge)
	case errors.Is(err, share.ErrContentRead):
		h.writeError(w, r, "Failed to read the uploaded file.", http.StatusBadRequest)
	case errors.Is(err, share.ErrShareNotFound):
		h.writeError(w, r, MsgNotFound, http.StatusNotFound)
	case errors.Is(err, share.ErrCodeSpaceExhausted):
		w.Header().Set("Retry-After", "1")
		h.writeError(w, r, MsgUnavailable, http.StatusServiceUnavailable)
	default:
		logrus.WithFields(logrus.Fields{
			"trace_id": middleware.GetTraceID(r.Context()),
		}).WithError(err).Error("Share operation failed")
		h.writeError(w, r, MsgInternal, http.StatusInternalServerError)
	}
}

// Helper methods
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIResponse{Success: true, Data: data})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIResponse{Success: false, Error: message})
	logrus.WithFields(logrus.Fields{
		"trace_id": middleware.GetTraceID(r.Context()),
		"error":    message,
		"status":   statusCode,
	}).Debug("API error")
}

// requestBodyError keeps size violations distinguishable from malformed bodies
func requestBodyError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return err
	}
	return &share.ValidationError{Field: "body", Message: "Malformed request body."}
}

func optionalInt(value, field string) (*int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return nil, &share.ValidationError{Field: field, Message: fmt.Sprintf("%s must be a whole number.", field)}
	}
	return &n, nil
}

// detectContentType keeps a declared type unless it is missing or generic
func detectContentType(declared string, data []byte) string {
	if declared != "" && declared != defaultContentType {
		return declared
	}
	return mimetype.Detect(data).String()
}

// contentDisposition builds an attachment header with an ASCII fallback
// and an RFC 5987 encoded name
func contentDisposition(name string) string {
	quoted := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\r", "", "\n", "").Replace(name)
	encoded := strings.ReplaceAll(url.QueryEscape(name), "+", "%20")
	return fmt.Sprintf(`attachment; filename="%s"; filename*=UTF-8''%s`, quoted, encoded)
}
