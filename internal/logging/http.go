package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// HTTPOutput batches entries and POSTs them as a JSON array
type HTTPOutput struct {
	url           string
	authToken     string
	batchSize     int
	flushInterval time.Duration
	client        *http.Client

	mu       sync.Mutex
	buffer   []*LogEntry
	sending  sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHTTPOutput creates an HTTP output and starts its flusher
func NewHTTPOutput(url, authToken string, batchSize int, flushInterval time.Duration) *HTTPOutput {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}

	h := &HTTPOutput{
		url:           url,
		authToken:     authToken,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		client:        &http.Client{Timeout: 10 * time.Second},
		buffer:        make([]*LogEntry, 0, batchSize),
		stopChan:      make(chan struct{}),
	}

	h.wg.Add(1)
	go h.flusher()

	return h
}

// Write buffers the entry and flushes when the batch is full
func (h *HTTPOutput) Write(entry *LogEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.buffer = append(h.buffer, entry)
	if len(h.buffer) >= h.batchSize {
		h.flushLocked()
	}
	return nil
}

func (h *HTTPOutput) flusher() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.mu.Lock()
			h.flushLocked()
			h.mu.Unlock()
		case <-h.stopChan:
			h.mu.Lock()
			h.flushLocked()
			h.mu.Unlock()
			return
		}
	}
}

// flushLocked hands the buffer to a sender goroutine. Caller holds mu.
func (h *HTTPOutput) flushLocked() {
	if len(h.buffer) == 0 {
		return
	}

	entries := make([]*LogEntry, len(h.buffer))
	copy(entries, h.buffer)
	h.buffer = h.buffer[:0]

	h.sending.Add(1)
	go func() {
		defer h.sending.Done()
		_ = h.sendBatch(entries)
	}()
}

func (h *HTTPOutput) sendBatch(entries []*LogEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to marshal log entries: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+h.authToken)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send logs: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("log endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// Close flushes what is buffered and waits for in-flight batches
func (h *HTTPOutput) Close() error {
	h.stopOnce.Do(func() { close(h.stopChan) })
	h.wg.Wait()
	h.sending.Wait()
	return nil
}
