// Package classify maps failed responses and transport errors onto a closed
// error taxonomy, and result payloads onto status categories.
package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/yourorg/batchwatch/pkg/types"
)

// FromResponse classifies a non-2xx start response. It returns nil for
// statuses outside the credit and backend groups so the caller can fall back
// to Message.
func FromResponse(status int, body []byte) *types.ErrorClassification {
	switch status {
	case http.StatusTooManyRequests, http.StatusPaymentRequired, http.StatusConflict:
		return &types.ErrorClassification{
			Kind:            types.CreditError,
			Reason:          reasonOr(body, "insufficient credits or quota exceeded"),
			Status:          status,
			PreservePartial: true,
		}
	case http.StatusRequestEntityTooLarge:
		return &types.ErrorClassification{
			Kind:   types.BackendError,
			Reason: reasonOr(body, "batch too large for backend"),
			Status: status,
		}
	case http.StatusInternalServerError, http.StatusGatewayTimeout:
		return &types.ErrorClassification{
			Kind:            types.BackendError,
			Reason:          reasonOr(body, "backend failed while processing the batch"),
			Status:          status,
			PreservePartial: true,
		}
	}
	return nil
}

// FromError classifies a transport error. Cancellation is not an error and
// yields nil.
func FromError(err error) *types.ErrorClassification {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	if isTimeout(err) {
		return &types.ErrorClassification{
			Kind:            types.TimeoutError,
			Reason:          "request timed out: " + err.Error(),
			PreservePartial: true,
		}
	}
	return &types.ErrorClassification{
		Kind:   types.GenericError,
		Reason: err.Error(),
	}
}

// Classify applies the full precedence order: response groups, then
// cancellation, timeout and the generic fallback. status is 0 when only
// an error is available. The second return is false for cancellation.
func Classify(status int, body []byte, err error) (*types.ErrorClassification, bool) {
	if status != 0 {
		if c := FromResponse(status, body); c != nil {
			return c, true
		}
	}
	if err != nil {
		c := FromError(err)
		return c, c != nil
	}
	if status != 0 {
		return &types.ErrorClassification{
			Kind:   types.GenericError,
			Reason: Message(status, body),
			Status: status,
		}, true
	}
	return nil, false
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Message extracts a human readable message from a JSON error body, falling
// back to the bare status.
func Message(status int, body []byte) string {
	if msg := bodyMessage(body); msg != "" {
		return msg
	}
	return fmt.Sprintf("HTTP %d", status)
}

func reasonOr(body []byte, fallback string) string {
	if msg := bodyMessage(body); msg != "" {
		return msg
	}
	return fallback
}

func bodyMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var v map[string]any
	if err := json.Unmarshal(body, &v); err != nil {
		return ""
	}
	for _, k := range []string{"error", "message", "detail"} {
		switch val := v[k].(type) {
		case string:
			if s := strings.TrimSpace(val); s != "" {
				return s
			}
		case map[string]any:
			if s, ok := val["message"].(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}
