// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package gromox

import "time"

// AuthResult is the profile returned by a successful login.
type AuthResult struct {
	Username string
	Maildir  string
	Lang     string
}

// AuthService is the authentication backend collaborator. Login is
// called with the Basic credentials of the tunnel; the error carries the
// backend's diagnostic for the log line.
type AuthService interface {
	Login(username, password string) (AuthResult, error)
}

// UserFilter rejects users before the auth backend is consulted. A
// false verdict answers the request with 503.
type UserFilter interface {
	Judge(username string) bool
}

// UserBlocker is the temp-block collaborator invoked when a tunnel
// exhausts its consecutive authentication failures.
type UserBlocker interface {
	Block(username string, hold time.Duration)
}

// URIRewriter optionally rewrites the request-URI after header parsing.
// The boolean reports whether a rewrite was applied.
type URIRewriter interface {
	Rewrite(uri string) (string, bool)
}
