package cloud

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"strings"
	"time"

	"github.com/aws/smithy-go"
	log "github.com/sirupsen/logrus"

	"github.com/atelierhq/atelier-control-plane/internal/metrics"
)

// retryAWS retries transient AWS failures with exponential backoff and
// jitter. Non-transient errors return immediately.
func retryAWS(ctx context.Context, opName string, fn func(context.Context) error) error {
	const (
		maxAttempts = 4
		baseDelay   = 250 * time.Millisecond
		maxDelay    = 2 * time.Second
	)
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransientAWSError(err) {
			return err
		}
		if attempt == maxAttempts {
			metrics.CloudRetries.WithLabelValues(opName, "exhausted").Inc()
			return err
		}
		metrics.CloudRetries.WithLabelValues(opName, awsErrorCode(err)).Inc()
		delay := baseDelay * time.Duration(1<<(attempt-1))
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = withJitter(delay)
		log.WithFields(log.Fields{
			"op":       opName,
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
		}).WithError(err).Warn("aws retry")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func withJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	floor := delay / 10
	span := delay - floor
	if span <= 0 {
		return floor
	}
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return floor + span/2
	}
	n := binary.LittleEndian.Uint64(raw[:]) % uint64(span)
	// Jittered delay in [10% of base, 100% of base).
	return floor + time.Duration(n)
}

func isTransientAWSError(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "RequestLimitExceeded",
		"Throttling",
		"ThrottlingException",
		"TooManyRequestsException",
		"RequestThrottled",
		"ServiceUnavailable",
		"ServiceUnavailableException",
		"InternalError",
		"RequestTimeout",
		"LimitExceededException":
		return true
	default:
		return false
	}
}

// isNotFoundAWSError reports whether a teardown call failed only
// because the resource is already gone; teardown treats those as
// success.
func isNotFoundAWSError(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	code := apiErr.ErrorCode()
	return strings.HasSuffix(code, "NotFound") ||
		strings.HasSuffix(code, "NotFoundException") ||
		code == "NoSuchEntity" ||
		code == "NoSuchBucket" ||
		code == "NoSuchHostedZone" ||
		code == "ResourceNotFoundException"
}

// isTaskGoneStopError reports a StopTask refused because ECS has
// already forgotten the task. The code is the generic
// InvalidParameterException, so the message has to disambiguate.
func isTaskGoneStopError(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.ErrorCode() == "InvalidParameterException" &&
		strings.Contains(strings.ToLower(apiErr.ErrorMessage()), "not found")
}

func awsErrorCode(err error) string {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return "non_api_error"
	}
	code := strings.TrimSpace(apiErr.ErrorCode())
	if code == "" {
		return "unknown"
	}
	return code
}
