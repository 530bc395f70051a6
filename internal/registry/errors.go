/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package registry

import (
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
)

// Class buckets registry failures so callers can pick a strategy: retry,
// surface to the user, or give up.
type Class string

const (
	// ClassAuthRequired means the registry wants credentials and none were
	// available.
	ClassAuthRequired Class = "AuthRequired"
	// ClassAuthFailed means the supplied credentials were refused.
	ClassAuthFailed Class = "AuthFailed"
	// ClassNotFound means the repository or chart does not exist.
	ClassNotFound Class = "NotFound"
	// ClassRateLimited means the registry throttled the request.
	ClassRateLimited Class = "RateLimited"
	// ClassTransient covers network errors and 5xx responses.
	ClassTransient Class = "Transient"
	// ClassMalformed means the registry answered with something unparsable.
	ClassMalformed Class = "MalformedResponse"
)

// Error wraps a registry failure with its class.
type Error struct {
	Class Class
	Op    string
	Ref   string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Ref, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may succeed.
func (e *Error) Retryable() bool {
	return e.Class == ClassTransient || e.Class == ClassRateLimited
}

// ClassOf extracts the class from an error chain, defaulting to Transient
// for unclassified errors.
func ClassOf(err error) Class {
	var re *Error
	if errors.As(err, &re) {
		return re.Class
	}
	return ClassTransient
}

// classify maps an underlying failure to an *Error. hadCreds distinguishes
// a 401 against anonymous access (credentials missing) from rejected
// credentials.
func classify(op, ref string, err error, hadCreds bool) *Error {
	out := &Error{Class: ClassTransient, Op: op, Ref: ref, Err: err}

	var terr *transport.Error
	if errors.As(err, &terr) {
		switch terr.StatusCode {
		case http.StatusUnauthorized:
			if hadCreds {
				out.Class = ClassAuthFailed
			} else {
				out.Class = ClassAuthRequired
			}
		case http.StatusForbidden:
			out.Class = ClassAuthFailed
		case http.StatusNotFound:
			out.Class = ClassNotFound
		case http.StatusTooManyRequests:
			out.Class = ClassRateLimited
		default:
			if terr.StatusCode >= 500 {
				out.Class = ClassTransient
			} else if terr.StatusCode >= 400 {
				out.Class = ClassMalformed
			}
		}
		return out
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		out.Class = ClassTransient
		return out
	}
	return out
}

func classifyStatus(op, ref string, status int, hadCreds bool) *Error {
	err := fmt.Errorf("unexpected status %d", status)
	switch status {
	case http.StatusUnauthorized:
		if hadCreds {
			return &Error{Class: ClassAuthFailed, Op: op, Ref: ref, Err: err}
		}
		return &Error{Class: ClassAuthRequired, Op: op, Ref: ref, Err: err}
	case http.StatusForbidden:
		return &Error{Class: ClassAuthFailed, Op: op, Ref: ref, Err: err}
	case http.StatusNotFound:
		return &Error{Class: ClassNotFound, Op: op, Ref: ref, Err: err}
	case http.StatusTooManyRequests:
		return &Error{Class: ClassRateLimited, Op: op, Ref: ref, Err: err}
	}
	if status >= 500 {
		return &Error{Class: ClassTransient, Op: op, Ref: ref, Err: err}
	}
	return &Error{Class: ClassMalformed, Op: op, Ref: ref, Err: err}
}
