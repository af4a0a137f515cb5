package internal

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRateLimiter_AllowWithinLimit(t *testing.T) {
	limiter := NewRateLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !limiter.allow("192.168.1.1") {
			t.Fatalf("Request %d should be allowed", i+1)
		}
	}
	if limiter.allow("192.168.1.1") {
		t.Error("Fourth request should be denied")
	}

	// A different IP has its own bucket.
	if !limiter.allow("192.168.1.2") {
		t.Error("Different IP should be allowed")
	}
}

func TestRateLimiter_WindowReset(t *testing.T) {
	window := 50 * time.Millisecond
	limiter := NewRateLimiter(1, window)

	if !limiter.allow("10.0.0.1") {
		t.Fatal("First request should be allowed")
	}
	if limiter.allow("10.0.0.1") {
		t.Fatal("Second request should be denied")
	}

	time.Sleep(window + 10*time.Millisecond)

	if !limiter.allow("10.0.0.1") {
		t.Error("Request after window reset should be allowed")
	}
}

func TestRateLimiter_CleanupPreventsMemoryLeak(t *testing.T) {
	window := 50 * time.Millisecond
	limiter := NewRateLimiter(10, window)

	// Populate the map past the size-based cleanup threshold.
	for i := 0; i < cleanupAtSize+50; i++ {
		limiter.allow(fmt.Sprintf("192.168.%d.%d", i/256, i%256))
	}
	if len(limiter.requests) == 0 {
		t.Fatal("Expected map to have entries after requests")
	}

	// Wait for every bucket to expire, then drive the request counter past
	// the cleanup interval so the lazy cleanup runs.
	time.Sleep(window + 20*time.Millisecond)
	for i := 0; i < cleanupEvery; i++ {
		limiter.allow("10.0.0.1")
	}

	if size := len(limiter.requests); size > 10 {
		t.Errorf("Map size (%d) suggests expired buckets were not cleaned up", size)
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	limiter := NewRateLimiter(1, time.Minute)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhook", nil)
	req.RemoteAddr = "192.168.1.1:1234"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("First request: expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("Second request: expected 429, got %d", rec.Code)
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		want       string
	}{
		{name: "remote addr only", remoteAddr: "192.168.1.1:1234", want: "192.168.1.1:1234"},
		{name: "single forwarded", remoteAddr: "10.0.0.1:80", forwarded: "203.0.113.5", want: "203.0.113.5"},
		{name: "forwarded chain", remoteAddr: "10.0.0.1:80", forwarded: "203.0.113.5, 70.41.3.18", want: "203.0.113.5"},
		{name: "forwarded with spaces", remoteAddr: "10.0.0.1:80", forwarded: " 203.0.113.5 , 70.41.3.18", want: "203.0.113.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := GetClientIP(req); got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReadBodyStrict(t *testing.T) {
	t.Run("within limit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("hello"))
		rec := httptest.NewRecorder()
		body, err := ReadBodyStrict(rec, req, 10)
		if err != nil {
			t.Fatalf("ReadBodyStrict failed: %v", err)
		}
		if string(body) != "hello" {
			t.Errorf("Expected body %q, got %q", "hello", body)
		}
	})

	t.Run("exceeds limit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("this body is too large"))
		rec := httptest.NewRecorder()
		_, err := ReadBodyStrict(rec, req, 5)
		if !errors.Is(err, ErrPayloadTooLarge) {
			t.Errorf("Expected ErrPayloadTooLarge, got %v", err)
		}
	})
}
