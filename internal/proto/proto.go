// Package proto implements the framed JSON protocol spoken by Prism client
// agents: a 4-byte big-endian length prefix followed by a UTF-8 JSON body.
package proto

import (
	"fmt"
	"strings"

	"github.com/AdguardTeam/golibs/errors"
)

// CurrentVersion is the protocol version announced and accepted by this
// server.  Unknown minor versions are accepted, unknown major versions are
// rejected.
const CurrentVersion = "1.0"

// Action is the kind of a request frame.
type Action string

// Known request actions.
const (
	ActionAuth      Action = "auth"
	ActionGoodbye   Action = "goodbye"
	ActionHeartbeat Action = "heartbeat"
	ActionRegister  Action = "register"
)

// Request is a single decoded request frame.
type Request struct {
	// Version is the advisory protocol version of the client, e.g. "1.0".
	Version string `json:"version"`

	// Action is the kind of the request.
	Action Action `json:"action"`

	// Hostname is the hostname being registered or refreshed.  It is empty
	// for auth and goodbye frames.
	Hostname string `json:"hostname,omitempty"`

	// ClientIP is the IP address observed by the client itself, if any.
	ClientIP string `json:"client_ip,omitempty"`

	// Timestamp is the client's own clock reading in RFC 3339 format.  It is
	// advisory; the server keeps its own time.
	Timestamp string `json:"timestamp,omitempty"`

	// AuthToken is the opaque bearer token.  It must be present on the first
	// frame of a connection, either on an auth frame or on the first register
	// frame.
	AuthToken string `json:"auth_token,omitempty"`
}

// Status values of a response frame.
const (
	StatusError = "error"
	StatusOK    = "ok"
)

// Code is a machine-readable error code of a response frame.
type Code string

// Known response error codes.
const (
	CodeAuthFailed  Code = "auth_failed"
	CodeBadHostname Code = "bad_hostname"
	CodeBadRequest  Code = "bad_request"
	CodeForbidden   Code = "forbidden"
	CodeInternal    Code = "internal"
)

// Response is a single response frame.
type Response struct {
	// Status is either [StatusOK] or [StatusError].
	Status string `json:"status"`

	// Code is the error code.  It is empty when Status is [StatusOK].
	Code Code `json:"code,omitempty"`
}

// OK is the successful response to any request frame.
var OK = &Response{Status: StatusOK}

// NewError returns an error response with the given code.
func NewError(code Code) (resp *Response) {
	return &Response{
		Status: StatusError,
		Code:   code,
	}
}

// ErrVersion is returned by [CheckVersion] for versions that this server must
// reject.
const ErrVersion errors.Error = "unsupported protocol version"

// CheckVersion returns an error if v belongs to a protocol major version this
// server does not speak.  An empty version is allowed for compatibility with
// agents predating version announcements.
func CheckVersion(v string) (err error) {
	if v == "" {
		return nil
	}

	major, _, _ := strings.Cut(v, ".")
	if major != "1" {
		return fmt.Errorf("version %q: %w", v, ErrVersion)
	}

	return nil
}
