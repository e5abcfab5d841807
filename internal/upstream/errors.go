// Package upstream provides an HTTP client for the cloud drive's open API
// with rate limiting, bounded concurrency, and error classification.
package upstream

import (
	"errors"
	"fmt"
)

// Sentinel errors for response classification.
// Use errors.Is(err, upstream.ErrUnauthorized) to check.
var (
	ErrUnauthorized = errors.New("upstream: unauthorized")
	ErrNotFound     = errors.New("upstream: not found")
	ErrRateLimited  = errors.New("upstream: rate limited")
	ErrTransport    = errors.New("upstream: transport failure")
	ErrUpstream     = errors.New("upstream: domain error")
)

// Error wraps a sentinel error with the upstream's numeric code and message
// body for debugging. Transport failures carry code 0.
type Error struct {
	Code    int
	Message string
	Err     error // sentinel, for errors.Is()
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("upstream: code %d: %s", e.Code, e.Message)
	}

	return fmt.Sprintf("upstream: %s", e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the error is worth retrying at the call site.
// Retryability is a property of the variant, not of any caught class.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTransport)
}

// Upstream error codes for the API's JSON envelope. The unauthenticated
// family covers missing, expired, and revoked credentials.
const (
	codeTokenExpired   = 40140125
	codeTokenInvalid   = 40140126
	codeNotLoggedIn    = 40101017
	codeFileNotFound   = 40402001
	codeRateLimited    = 40290001
	codeQRSessionGone  = 40199002
	codeOutOfSpace     = 40210008
	codeTaskExists     = 40210002
	codeInvalidLink    = 40210005
)

// classifyCode maps an upstream envelope code to a sentinel error.
func classifyCode(code int) error {
	switch code {
	case codeTokenExpired, codeTokenInvalid, codeNotLoggedIn:
		return ErrUnauthorized
	case codeFileNotFound, codeQRSessionGone:
		return ErrNotFound
	case codeRateLimited:
		return ErrRateLimited
	default:
		return ErrUpstream
	}
}

// transportErr builds a transport-class Error from a cause.
func transportErr(format string, args ...any) error {
	return &Error{Message: fmt.Sprintf(format, args...), Err: ErrTransport}
}
