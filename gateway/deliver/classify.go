package deliver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"github.com/sluicehq/sluice/gateway/execlog"
	"github.com/sluicehq/sluice/gateway/sandbox"
	"github.com/sluicehq/sluice/gateway/transform"
)

// Outcome is the classified result of one delivery attempt.
type Outcome struct {
	// OK is true for 2xx responses.
	OK bool
	// Category is the failure classification, empty when OK.
	Category execlog.Category
	// Code is the stable code within the category.
	Code string
	// Message is a human-readable description.
	Message string
	// RetryAfter carries the server-requested delay from a Retry-After
	// header, zero when absent.
	RetryAfter time.Duration
}

// Retryable reports whether the outcome is eligible for automatic retry.
func (o Outcome) Retryable() bool {
	return !o.OK && o.Category.Retryable()
}

// errorInfo converts the outcome into the stored error record.
func (o Outcome) errorInfo() *execlog.ErrorInfo {
	if o.OK {
		return nil
	}
	return &execlog.ErrorInfo{
		Category: o.Category,
		Code:     o.Code,
		Message:  execlog.Snippet(o.Message, execlog.MaxErrorMessage),
	}
}

// ClassifyError classifies a transport-level failure: the request never
// produced an HTTP response. Timeouts, DNS failures and connection resets are
// transient; cancellation means the process is shutting down; policy blocks
// are never retried.
func ClassifyError(err error) Outcome {
	switch {
	case err == nil:
		return Outcome{OK: true}
	case errors.Is(err, context.Canceled):
		return Outcome{
			Category: execlog.CategoryShutdown,
			Code:     execlog.CodeShutdown,
			Message:  "delivery abandoned by shutdown",
		}
	case errors.Is(err, context.DeadlineExceeded):
		return Outcome{
			Category: execlog.CategoryTransient,
			Code:     execlog.CodeTimeout,
			Message:  "request timed out",
		}
	}

	var policyErr *PolicyError
	if errors.As(err, &policyErr) {
		return Outcome{
			Category: execlog.CategoryPolicy,
			Code:     policyErr.Code,
			Message:  policyErr.Message,
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Outcome{
			Category: execlog.CategoryTransient,
			Code:     execlog.CodeDNS,
			Message:  dnsErr.Error(),
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Outcome{
			Category: execlog.CategoryTransient,
			Code:     execlog.CodeTimeout,
			Message:  netErr.Error(),
		}
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return Outcome{
			Category: execlog.CategoryTransient,
			Code:     execlog.CodeConnectionReset,
			Message:  err.Error(),
		}
	}

	return Outcome{
		Category: execlog.CategoryTransient,
		Code:     execlog.CodeNetwork,
		Message:  err.Error(),
	}
}

// ClassifyResponse classifies an HTTP response. 2xx succeeds; 408, 429 and
// 5xx are retryable; every other 4xx is permanent. Retry-After is honoured on
// 429 and 503.
func ClassifyResponse(status int, body string, header http.Header, now time.Time) Outcome {
	switch {
	case status >= 200 && status < 300:
		return Outcome{OK: true}

	case status == http.StatusRequestTimeout:
		return Outcome{
			Category: execlog.CategoryTransient,
			Code:     execlog.CodeTimeout,
			Message:  fmt.Sprintf("HTTP %d: %s", status, body),
		}

	case status == http.StatusTooManyRequests:
		return Outcome{
			Category:   execlog.CategoryRateLimited,
			Code:       execlog.CodeRateLimited,
			Message:    fmt.Sprintf("HTTP %d: %s", status, body),
			RetryAfter: parseRetryAfter(header.Get("Retry-After"), now),
		}

	case status >= 500:
		return Outcome{
			Category:   execlog.CategoryTransient,
			Code:       execlog.CodeHTTP5xx,
			Message:    fmt.Sprintf("HTTP %d: %s", status, body),
			RetryAfter: parseRetryAfter(header.Get("Retry-After"), now),
		}

	case status >= 400:
		return Outcome{
			Category: execlog.CategoryPermanent,
			Code:     execlog.CodeHTTP4xx,
			Message:  fmt.Sprintf("HTTP %d: %s", status, body),
		}

	default:
		// A 3xx that survived the redirect policy means the target keeps
		// redirecting past the configured limit.
		return Outcome{
			Category: execlog.CategoryPermanent,
			Code:     execlog.CodeBadTarget,
			Message:  fmt.Sprintf("HTTP %d: redirect not followed", status),
		}
	}
}

// ClassifyTransformError classifies a failure producing the request payload.
// Script failures carry the SCRIPT category, declarative mapping problems are
// configuration errors, and unmapped lookup codes under the FAIL behavior are
// permanent data failures.
func ClassifyTransformError(err error) Outcome {
	var serr *sandbox.Error
	if errors.As(err, &serr) {
		code := execlog.CodeScriptRuntime
		switch serr.Kind {
		case sandbox.ErrorCompile:
			code = execlog.CodeScriptCompile
		case sandbox.ErrorLimit, sandbox.ErrorInput, sandbox.ErrorOutput:
			code = execlog.CodeSandboxLimit
		}
		return Outcome{
			Category: execlog.CategoryScript,
			Code:     code,
			Message:  serr.Error(),
		}
	}

	var merr *transform.MappingError
	if errors.As(err, &merr) {
		return Outcome{
			Category: execlog.CategoryConfig,
			Code:     execlog.CodeBadTransform,
			Message:  merr.Error(),
		}
	}

	var lerr *transform.LookupError
	if errors.As(err, &lerr) {
		return Outcome{
			Category: execlog.CategoryPermanent,
			Code:     execlog.CodeLookupUnmapped,
			Message:  lerr.Error(),
		}
	}

	return Outcome{
		Category: execlog.CategoryConfig,
		Code:     execlog.CodeBadTransform,
		Message:  err.Error(),
	}
}

// parseRetryAfter parses a Retry-After header value, either delay seconds or
// an HTTP date. Zero means absent or unparseable.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
