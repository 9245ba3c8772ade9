package resilience

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "dial tcp: i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("invalid input"), false},
		{"503", &StatusError{Service: "ol", StatusCode: 503}, true},
		{"429 wrapped", eris.Wrap(&StatusError{Service: "ol", StatusCode: 429}, "search"), true},
		{"404", &StatusError{Service: "ol", StatusCode: 404}, false},
		{"conn reset", fmt.Errorf("write tcp: %w", syscall.ECONNRESET), true},
		{"conn refused", fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED), true},
		{"net timeout", timeoutErr{}, true},
		{"broken pipe text", errors.New("write: broken pipe"), true},
		{"canceled", context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"deadline", fmt.Errorf("get: %w", context.DeadlineExceeded), CodeTimeout},
		{"net timeout", timeoutErr{}, CodeTimeout},
		{"429", &StatusError{StatusCode: 429}, CodeRateLimited},
		{"504", &StatusError{StatusCode: 504}, CodeTimeout},
		{"502", &StatusError{StatusCode: 502}, CodeUnavailable},
		{"400", &StatusError{StatusCode: 400}, CodeBadResponse},
		{"decode", &DecodeError{Service: "gb", Err: errors.New("bad json")}, CodeBadResponse},
		{"circuit open", eris.Wrap(ErrCircuitOpen, "openlibrary"), CodeUnavailable},
		{"conn refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), CodeUnavailable},
		{"other", errors.New("boom"), CodeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Code(tt.err); got != tt.want {
				t.Errorf("Code(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestStatusError_Message(t *testing.T) {
	err := &StatusError{Service: "googlebooks", StatusCode: 403, Body: "quota"}
	if err.Error() != "googlebooks: http 403: quota" {
		t.Errorf("unexpected message: %s", err.Error())
	}
	if (&StatusError{Service: "ol", StatusCode: 500}).Error() != "ol: http 500" {
		t.Error("empty body should be omitted")
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("expected %d to be transient", code)
		}
	}
	for _, code := range []int{200, 400, 401, 403, 404} {
		if IsTransientHTTPStatus(code) {
			t.Errorf("expected %d to be permanent", code)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, 30*time.Second, ParseRetryAfter("30", now))
	assert.Equal(t, 2*time.Minute, ParseRetryAfter(now.Add(2*time.Minute).Format(http.TimeFormat), now))
	assert.Zero(t, ParseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now))
	assert.Zero(t, ParseRetryAfter("", now))
	assert.Zero(t, ParseRetryAfter("soon", now))
	assert.Zero(t, ParseRetryAfter("-5", now))
}

func TestNewStatusError(t *testing.T) {
	resp := &http.Response{StatusCode: 429, Header: http.Header{"Retry-After": []string{"3"}}}
	se := NewStatusError("googlebooks", resp, []byte("slow down"))
	assert.Equal(t, 429, se.StatusCode)
	assert.Equal(t, "slow down", se.Body)
	assert.Equal(t, 3*time.Second, se.RetryAfter)
	assert.True(t, se.Transient())
}
