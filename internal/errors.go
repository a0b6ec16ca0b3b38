package warden

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
)

// Kind classifies a gateway error. Each kind maps to exactly one HTTP
// status and one stable wire code.
type Kind int

const (
	KindInternal Kind = iota
	KindUnauthorized
	KindRateLimited
	KindValidation
	KindPayloadTooLarge
	KindRouteNotFound
	KindUpstreamUnavailable
	KindUpstream
)

var kindInfo = [...]struct {
	status int
	code   string
}{
	KindInternal:            {http.StatusInternalServerError, "internal_error"},
	KindUnauthorized:        {http.StatusUnauthorized, "unauthorized"},
	KindRateLimited:         {http.StatusTooManyRequests, "rate_limited"},
	KindValidation:          {http.StatusBadRequest, "validation_error"},
	KindPayloadTooLarge:     {http.StatusRequestEntityTooLarge, "payload_too_large"},
	KindRouteNotFound:       {http.StatusNotFound, "route_not_found"},
	KindUpstreamUnavailable: {http.StatusServiceUnavailable, "upstream_unavailable"},
	KindUpstream:            {http.StatusBadGateway, "upstream_error"},
}

// Error is the gateway's domain error. Message is returned to the client
// verbatim in the JSON error body.
type Error struct {
	Kind    Kind
	Message string
	// RetryAfterSecs is only meaningful for KindRateLimited.
	RetryAfterSecs uint64

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Code() + ": " + e.Message + ": " + e.cause.Error()
	}
	return e.Code() + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Status returns the HTTP status for the error's kind.
func (e *Error) Status() int { return kindInfo[e.Kind].status }

// Code returns the stable wire code for the error's kind.
func (e *Error) Code() string { return kindInfo[e.Kind].code }

// Constructors mirror the wire messages clients depend on.

func Unauthorized() *Error {
	return &Error{Kind: KindUnauthorized, Message: "Invalid or missing API key"}
}

func RateLimited(retryAfterSecs uint64) *Error {
	return &Error{Kind: KindRateLimited, Message: "Rate limit exceeded", RetryAfterSecs: retryAfterSecs}
}

func Validation(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}

func PayloadTooLarge() *Error {
	return &Error{Kind: KindPayloadTooLarge, Message: "Request body exceeds configured limit"}
}

func RouteNotFound() *Error {
	return &Error{Kind: KindRouteNotFound, Message: "No route matched the request"}
}

func UpstreamUnavailable() *Error {
	return &Error{Kind: KindUpstreamUnavailable, Message: "No healthy upstream available"}
}

func UpstreamError(msg string) *Error {
	return &Error{Kind: KindUpstream, Message: msg}
}

func Internal(err error) *Error {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &Error{Kind: KindInternal, Message: msg, cause: err}
}

// AsError coerces err into a gateway *Error. Unknown errors become
// KindInternal so every failure renders through the same taxonomy.
func AsError(err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return Internal(err)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var jsonCT = []string{"application/json"}

// Response renders the error as the gateway's JSON error envelope,
// adding Retry-After for rate-limit errors. Hardening headers are the
// caller's responsibility; they apply to every exit path, not just
// errors.
func (e *Error) Response() *Response {
	body, err := json.Marshal(errorBody{Error: e.Code(), Message: e.Message})
	if err != nil {
		// Marshalling two plain strings cannot fail; keep a fallback anyway.
		body = []byte(`{"error":"internal_error","message":"error encoding failed"}`)
	}
	resp := NewResponse(e.Status())
	resp.Header["Content-Type"] = jsonCT
	if e.Kind == KindRateLimited {
		resp.Header.Set(HeaderRetryAfter, strconv.FormatUint(e.RetryAfterSecs, 10))
	}
	resp.Body = body
	return resp
}
