package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"TrancheVault/internal/core"
	"TrancheVault/internal/observability"
)

const settleBody = `{"nonce": 7, "recipient": "0x00000000000000000000000000000000000000dd", "caller_key": "k"}`

// newTestServer builds an HTTPServer around the given request channel with a
// short reply timeout so timeout paths finish quickly.
func newTestServer(requests chan core.Request) *HTTPServer {
	s := NewHTTPServer(":0", requests, nil, observability.NewHealthChecker(), nil)
	s.replyTimeout = 50 * time.Millisecond
	return s
}

func postSettlement(t *testing.T, s *HTTPServer) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/settlements", strings.NewReader(settleBody))
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, req)
	return rec
}

// ============================================================================
// Dispatch Tests
// ============================================================================

func TestDispatch_DeliversReply(t *testing.T) {
	requests := make(chan core.Request)
	s := newTestServer(requests)

	go func() {
		req := <-requests
		req.Reply <- core.Response{Settle: &core.SettleResult{Completed: true, AllocatedAmount: 42}}
	}()

	rec := postSettlement(t, s)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"allocated":42`) {
		t.Fatalf("expected allocated amount in body, got %s", rec.Body.String())
	}
}

func TestDispatch_FullRequestChannelTimesOut(t *testing.T) {
	// Unbuffered channel with no consumer: the send itself must hit the
	// reply deadline instead of blocking the handler indefinitely.
	requests := make(chan core.Request)
	s := newTestServer(requests)

	start := time.Now()
	rec := postSettlement(t, s)
	elapsed := time.Since(start)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d: %s", rec.Code, rec.Body.String())
	}
	if elapsed > 2*time.Second {
		t.Fatalf("handler blocked for %v on a full request channel", elapsed)
	}
}

func TestDispatch_MissingReplyTimesOut(t *testing.T) {
	requests := make(chan core.Request, 1)
	s := newTestServer(requests)

	rec := postSettlement(t, s)
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504 when the core never replies, got %d", rec.Code)
	}
}
