// Package envelope defines the single response shape every tool call
// returns, success or error, and the correlation ids stamped on it.
package envelope

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/keboola/osiris-sub007/internal/errcode"
	"github.com/keboola/osiris-sub007/internal/fingerprint"
)

// Status is the outcome of a tool call.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Envelope is the response wrapper for every tool call. Result is set iff
// Status is success, Error iff Status is error. Meta is always set.
type Envelope struct {
	Status Status         `json:"status"`
	Result map[string]any `json:"result,omitempty"`
	Error  *ErrorBody     `json:"error,omitempty"`
	Meta   Meta           `json:"_meta"`
}

// Meta carries per-call metrics.
type Meta struct {
	CorrelationID string `json:"correlation_id"`
	DurationMS    int64  `json:"duration_ms"`
	BytesIn       int    `json:"bytes_in"`
	BytesOut      int    `json:"bytes_out"`
	Tool          string `json:"tool,omitempty"`
}

// ErrorBody is the wire form of an errcode.Error.
type ErrorBody struct {
	Code      string         `json:"code"`
	Family    string         `json:"family"`
	Message   string         `json:"message"`
	Detail    map[string]any `json:"detail,omitempty"`
	Retryable bool           `json:"retryable"`
}

// Success wraps a handler result. A nil result becomes an empty object so
// the result key is always present on success.
func Success(result map[string]any) *Envelope {
	if result == nil {
		result = map[string]any{}
	}
	return &Envelope{Status: StatusSuccess, Result: result}
}

// Failure wraps any error, mapping it onto the taxonomy first.
func Failure(err error) *Envelope {
	e := errcode.From(err)
	if e == nil {
		e = errcode.New(errcode.Internal, "failure without error")
	}
	return &Envelope{
		Status: StatusError,
		Error: &ErrorBody{
			Code:      string(e.Code),
			Family:    string(e.Family()),
			Message:   e.Message,
			Detail:    e.Detail,
			Retryable: e.Retryable(),
		},
	}
}

// BodySize is the serialized size of the envelope without its metadata.
// It is the value reported as bytes_out.
func (e *Envelope) BodySize() int {
	body := struct {
		Status Status         `json:"status"`
		Result map[string]any `json:"result,omitempty"`
		Error  *ErrorBody     `json:"error,omitempty"`
	}{e.Status, e.Result, e.Error}
	data, err := json.Marshal(body)
	if err != nil {
		return 0
	}
	return len(data)
}

// OK reports whether the call succeeded.
func (e *Envelope) OK() bool { return e.Status == StatusSuccess }

const (
	derivedPrefix = "req_"
	randomPrefix  = "mcp_"
	derivedWidth  = 16
)

// CorrelationID derives a stable id from requestID, or a random one when
// requestID is empty. The two forms never collide: they use different
// prefixes.
func CorrelationID(requestID string) string {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return randomPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	digest := fingerprint.Sum(fingerprint.CorrelationDomain, []byte(requestID))
	return derivedPrefix + fingerprint.Short(digest, derivedWidth)
}

// IsDerived reports whether id was derived from a caller-supplied request id.
func IsDerived(id string) bool {
	return strings.HasPrefix(id, derivedPrefix)
}
