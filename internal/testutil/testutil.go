// Package testutil provides shared test utilities and fixtures.
//
// It centralises the helpers used by several package test suites: the
// admin-route HTTP helpers and the naming and polling helpers needed by
// tests that create shared memory objects.
package testutil

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t testing.TB, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// LoopbackAddr is the remote address given to test requests. The debug
// routes only answer loopback clients.
const LoopbackAddr = "127.0.0.1:12345"

// NewTestRequest creates a test HTTP request coming from LoopbackAddr.
func NewTestRequest(method, target string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, target, body)
	req.RemoteAddr = LoopbackAddr
	return req
}

// NewTestRecorder creates a test response recorder.
func NewTestRecorder() *httptest.ResponseRecorder {
	return httptest.NewRecorder()
}

// ShmDir returns a private directory standing in for /dev/shm. It is removed
// when the test ends.
func ShmDir(t testing.TB) string {
	t.Helper()
	return t.TempDir()
}

var nameSeq atomic.Uint64

// UniqueName returns an object name derived from the test name that is
// unique within the test binary.
func UniqueName(t testing.TB, prefix string) string {
	t.Helper()
	base := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	return fmt.Sprintf("%s_%s_%d", prefix, base, nameSeq.Add(1))
}

// WaitFor polls cond every millisecond until it holds or timeout elapses.
func WaitFor(t testing.TB, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out after %v waiting for %s", timeout, msg)
		}
		time.Sleep(time.Millisecond)
	}
}
