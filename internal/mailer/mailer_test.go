// internal/mailer/mailer_test.go
package mailer

import (
	"context"
	stdjson "encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libracirc/internal/circulation"
)

func TestHTTPMailerSend(t *testing.T) {
	var got sendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, stdjson.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	m := NewHTTPMailer(srv.URL, "secret")
	err := m.Send(context.Background(), "ada@example.com", "Reserved Book Available",
		circulation.MailBookAvailable, map[string]string{"book_title": "SICP"})
	require.NoError(t, err)

	assert.Equal(t, "ada@example.com", got.Recipient)
	assert.Equal(t, circulation.MailBookAvailable, got.Template)
	assert.Equal(t, "SICP", got.Params["book_title"])
}

func TestHTTPMailerGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	m := NewHTTPMailer(srv.URL, "")
	err := m.Send(context.Background(), "ada@example.com", "subject", "template", nil)
	assert.ErrorContains(t, err, "502")
}

// blockingMailer lets the test observe asynchronous deliveries.
type blockingMailer struct {
	mu       sync.Mutex
	sent     []string
	delivery chan struct{}
}

func (m *blockingMailer) Send(_ context.Context, recipient, _, _ string, _ map[string]string) error {
	m.mu.Lock()
	m.sent = append(m.sent, recipient)
	m.mu.Unlock()
	m.delivery <- struct{}{}
	return nil
}

func TestDispatcherDeliversAsynchronously(t *testing.T) {
	bm := &blockingMailer{delivery: make(chan struct{}, 10)}
	d := NewDispatcher(bm, 100, nil)

	d.Dispatch(circulation.Notification{Recipient: "ada@example.com"})

	select {
	case <-bm.delivery:
	case <-time.After(2 * time.Second):
		t.Fatal("notification was never delivered")
	}

	bm.mu.Lock()
	defer bm.mu.Unlock()
	assert.Equal(t, []string{"ada@example.com"}, bm.sent)
}
