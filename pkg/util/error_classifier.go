package util

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"milestonepay/pkg/circuitbreaker"
)

// retryableError is implemented by errors that know whether a retry can
// succeed, such as ledger call failures.
type retryableError interface {
	error
	Retryable() bool
}

// IsRetryableError determines if an error is retryable
// Returns: (isRetryable, errorType)
func IsRetryableError(err error) (bool, string) {
	if err == nil {
		return false, ""
	}

	// JSON decode errors - 不可重试（数据格式错误）
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return false, "json_decode_error"
	}

	// Context - 超时可重试，取消不可重试
	if errors.Is(err, context.DeadlineExceeded) {
		return true, "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return false, "context_canceled"
	}

	var re retryableError
	if errors.As(err, &re) {
		if re.Retryable() {
			return true, "ledger_transient"
		}
		return false, "ledger_rejected"
	}

	// 熔断打开 - 稍后可重试
	if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
		return true, "circuit_open"
	}

	// Database errors
	if errors.Is(err, pgx.ErrNoRows) {
		return false, "not_found"
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			// 唯一约束冲突 - 不可重试（幂等性）
			return false, "duplicate_key"
		case pgErr.Code == "40001", pgErr.Code == "40P01":
			return true, "db_serialization"
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "57P01", pgErr.Code == "53300":
			return true, "db_connection_error"
		default:
			return false, "db_error"
		}
	}
	if pgconn.SafeToRetry(err) {
		return true, "db_connection_error"
	}

	if errors.Is(err, redis.Nil) {
		return false, "cache_miss"
	}
	if errors.Is(err, amqp091.ErrClosed) {
		return true, "mq_closed"
	}

	// Network errors - 可重试
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true, "network_timeout"
		}
		return true, "network_error"
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return true, "network_timeout"
		}
		return true, "network_error"
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true, "network_error"
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "connection refused"),
		strings.Contains(errStr, "connection reset"),
		strings.Contains(errStr, "broken pipe"),
		strings.Contains(errStr, "no such host"):
		return true, "network_error"
	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "timed out"):
		return true, "timeout"
	case strings.Contains(errStr, "429"), strings.Contains(errStr, "too many requests"):
		return true, "rate_limited"
	case strings.Contains(errStr, "502"), strings.Contains(errStr, "503"), strings.Contains(errStr, "504"):
		return true, "upstream_unavailable"
	}

	// 默认：未知错误，保守处理 - 不重试
	return false, "unknown_error"
}

// ShouldRetry checks if an error should be retried based on retry count
func ShouldRetry(retryCount int64, maxRetries int64, isRetryable bool) bool {
	if !isRetryable {
		return false
	}
	return retryCount <= maxRetries
}
