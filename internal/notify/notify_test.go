package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"bidline/internal/notify"
	mock_notify "bidline/internal/notify/mocks"
)

func TestMultiFansOutAndJoinsErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	first := mock_notify.NewMockNotifier(ctrl)
	second := mock_notify.NewMockNotifier(ctrl)
	msg := notify.Message{UserID: "u-1", Type: notify.TypeBookingStarted, Title: "Work started"}

	first.EXPECT().Notify(gomock.Any(), msg).Return(errors.New("push down"))
	second.EXPECT().Notify(gomock.Any(), msg).Return(nil)

	err := notify.Multi{first, nil, second}.Notify(context.Background(), msg)
	if err == nil || err.Error() != "push down" {
		t.Fatalf("expected joined error, got %v", err)
	}
}

func TestWebhookNotifierDelivers(t *testing.T) {
	var (
		mu   sync.Mutex
		got  []notify.Message
		kind string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var m notify.Message
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		got = append(got, m)
		kind = r.Header.Get("X-Bidline-Notification")
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := notify.NewWebhookNotifier(srv.URL, time.Second, 4)
	msg := notify.Message{UserID: "u-2", Type: notify.TypeQuotationReceived, Redirect: notify.Redirect{Kind: "job", ID: "j-1"}}
	if err := w.Notify(context.Background(), msg); err != nil {
		t.Fatalf("notify: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != msg {
		t.Fatalf("unexpected deliveries: %+v", got)
	}
	if kind != notify.TypeQuotationReceived {
		t.Fatalf("unexpected type header %q", kind)
	}
	if err := w.Notify(context.Background(), msg); !errors.Is(err, notify.ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}

func TestWebhookNotifierQueueFull(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	w := notify.NewWebhookNotifier(srv.URL, time.Second, 1)
	msg := notify.Message{UserID: "u-3", Type: notify.TypeWalletCredited}
	var full bool
	for i := 0; i < 5; i++ {
		if err := w.Notify(context.Background(), msg); errors.Is(err, notify.ErrQueueFull) {
			full = true
			break
		}
	}
	if !full {
		t.Fatalf("expected queue to fill up")
	}
}
