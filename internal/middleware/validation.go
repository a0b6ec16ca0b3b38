package middleware

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	warden "github.com/warden-sh/warden/internal"
)

// ValidationConfig bounds the shape of requests the gateway accepts.
type ValidationConfig struct {
	RequireHostHeader bool
	MaxHeaders        int
	AllowedMethods    []string
	MaxBodyBytes      int
}

// Validation rejects malformed or oversized requests before any
// downstream work happens.
type Validation struct {
	cfg     ValidationConfig
	methods map[string]struct{}
}

// NewValidation precomputes the method allow-set.
func NewValidation(cfg ValidationConfig) *Validation {
	methods := make(map[string]struct{}, len(cfg.AllowedMethods))
	for _, m := range cfg.AllowedMethods {
		methods[strings.ToUpper(m)] = struct{}{}
	}
	return &Validation{cfg: cfg, methods: methods}
}

func (v *Validation) Name() string { return "request-validation" }

func (v *Validation) OnRequest(_ context.Context, rc *warden.RequestContext) (warden.ControlFlow, error) {
	if v.cfg.RequireHostHeader && rc.Header.Get("Host") == "" {
		return warden.ControlFlow{}, warden.Validation("Missing required Host header")
	}

	if n := headerCount(rc.Header); n > v.cfg.MaxHeaders {
		return warden.ControlFlow{}, warden.Validation(
			fmt.Sprintf("Too many headers: %d > %d", n, v.cfg.MaxHeaders))
	}

	if _, ok := v.methods[strings.ToUpper(rc.Method)]; !ok {
		return warden.ControlFlow{}, warden.Validation(
			fmt.Sprintf("Method %s is not allowed", rc.Method))
	}

	// A parseable Content-Length that disagrees with the buffered body
	// means the request was mangled somewhere in front of us.
	if cl := rc.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.Atoi(cl); err == nil && n != len(rc.Body) {
			return warden.ControlFlow{}, warden.Validation("content-length does not match payload size")
		}
	}

	if len(rc.Body) > v.cfg.MaxBodyBytes {
		return warden.ControlFlow{}, warden.PayloadTooLarge()
	}

	return warden.Continue, nil
}

func (v *Validation) OnResponse(context.Context, *warden.RequestContext, *warden.Response) error {
	return nil
}

// headerCount counts header values, not names, so duplicated headers
// cannot sneak past the limit.
func headerCount(h map[string][]string) int {
	n := 0
	for _, vals := range h {
		n += len(vals)
	}
	return n
}
