package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	wasmbederrors "github.com/wasmbed/wasmbed/pkg/shared/errors"
)

// problem is an RFC 7807 application/problem+json body, the admin
// surface's uniform error envelope.
type problem struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Instance  string `json:"instance,omitempty"`
	RequestID string `json:"request_id"`
	Code      string `json:"code"`
}

var codeStatus = map[wasmbederrors.Code]int{
	wasmbederrors.CodeIdentityMismatch: http.StatusConflict,
	wasmbederrors.CodeNotPaired:        http.StatusForbidden,
	wasmbederrors.CodeCapacityExceeded: http.StatusServiceUnavailable,
	wasmbederrors.CodeDuplicateDevice:  http.StatusConflict,
	wasmbederrors.CodePolicyRejected:   http.StatusForbidden,
	wasmbederrors.CodeNotConnected:     http.StatusNotFound,
	wasmbederrors.CodeQueueFull:        http.StatusServiceUnavailable,
	wasmbederrors.CodeTimeout:          http.StatusGatewayTimeout,
	wasmbederrors.CodeDisconnected:     http.StatusGone,
	wasmbederrors.CodeStoreConflict:    http.StatusConflict,
	wasmbederrors.CodeStoreNotFound:    http.StatusNotFound,
	wasmbederrors.CodeTargetMissing:    http.StatusNotFound,
	wasmbederrors.CodeInternal:         http.StatusInternalServerError,
}

// writeProblem writes a CodedError as an RFC 7807 body, the shape the
// admin surface uses uniformly for every failure response.
func writeProblem(w http.ResponseWriter, r *http.Request, ce *wasmbederrors.CodedError) {
	status, ok := codeStatus[ce.Code]
	if !ok {
		status = http.StatusBadRequest
	}
	p := problem{
		Type:      "https://wasmbed.io/problems/" + string(ce.Code),
		Title:     string(ce.Code),
		Status:    status,
		Detail:    ce.Message,
		Instance:  r.URL.Path,
		RequestID: requestID(r),
		Code:      string(ce.Code),
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(p)
}

func writeInternalError(w http.ResponseWriter, r *http.Request, err error) {
	writeProblem(w, r, wasmbederrors.New(wasmbederrors.CodeInternal, "%s", err.Error()))
}

type requestIDKey struct{}

// withRequestID stamps every request with a fresh UUID, used both in logs
// and in the problem+json body's request_id extension member.
func withRequestID(r *http.Request) *http.Request {
	ctx := r.Context()
	if ctx.Value(requestIDKey{}) != nil {
		return r
	}
	return r.WithContext(context.WithValue(ctx, requestIDKey{}, uuid.New().String()))
}

func requestID(r *http.Request) string {
	if v, ok := r.Context().Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}
