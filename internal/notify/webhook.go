package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

var (
	ErrQueueFull = errors.New("notification queue full")
	ErrClosed    = errors.New("notifier closed")
)

const defaultQueueSize = 256

// WebhookNotifier posts messages to an HTTP endpoint from a background
// worker. Notify only enqueues.
type WebhookNotifier struct {
	url    string
	client *http.Client
	queue  chan Message
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewWebhookNotifier(url string, timeout time.Duration, queueSize int) *WebhookNotifier {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	w := &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
		queue:  make(chan Message, queueSize),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *WebhookNotifier) Notify(ctx context.Context, msg Message) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrClosed
	}
	select {
	case w.queue <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

// Close stops accepting messages and waits until the queue is drained or ctx ends.
func (w *WebhookNotifier) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *WebhookNotifier) run() {
	defer close(w.done)
	for msg := range w.queue {
		if err := w.post(context.Background(), msg); err != nil {
			slog.Warn("notify: webhook delivery failed", "url", w.url, "type", msg.Type, "user_id", msg.UserID, "err", err)
		}
	}
}

func (w *WebhookNotifier) post(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Bidline-Notification", msg.Type)
	res, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
