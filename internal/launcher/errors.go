// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package launcher

import "fmt"

// ServerError is implemented by every error type raised on the launch path.
// All carry the server name so callers can attribute failures without parsing
// message text.
type ServerError interface {
	error
	ServerName() string
}

// LaunchError indicates a server failed to spawn or never became ready.
type LaunchError struct {
	// Server is the name of the server that failed.
	Server string

	// Reason is a short description of the failure.
	Reason string

	// Err is the underlying error, if any.
	Err error
}

// Error implements the error interface.
func (e *LaunchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("launch %s: %s: %v", e.Server, e.Reason, e.Err)
	}
	return fmt.Sprintf("launch %s: %s", e.Server, e.Reason)
}

// Unwrap returns the underlying error.
func (e *LaunchError) Unwrap() error { return e.Err }

// ServerName returns the name of the server that failed.
func (e *LaunchError) ServerName() string { return e.Server }

// HealthError indicates a server spawned and reported ready but did not pass
// the liveness check.
type HealthError struct {
	// Server is the name of the server that failed.
	Server string

	// Reason is a short description of the failure.
	Reason string

	// Attempts is the number of probe attempts made.
	Attempts int
}

// Error implements the error interface.
func (e *HealthError) Error() string {
	return fmt.Sprintf("health check %s: %s after %d attempt(s)", e.Server, e.Reason, e.Attempts)
}

// ServerName returns the name of the server that failed.
func (e *HealthError) ServerName() string { return e.Server }

// ExitError indicates a server process exited when it was expected to keep
// running. Code is the exit code, or -1 when the process was terminated by a
// signal; Signal names the terminating signal when there was one.
type ExitError struct {
	// Server is the name of the server that exited.
	Server string

	// Code is the process exit code (-1 if killed by a signal).
	Code int

	// Signal is the name of the terminating signal, if any.
	Signal string
}

// Error implements the error interface.
func (e *ExitError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("server %s exited on signal %s", e.Server, e.Signal)
	}
	return fmt.Sprintf("server %s exited with code %d", e.Server, e.Code)
}

// ServerName returns the name of the server that exited.
func (e *ExitError) ServerName() string { return e.Server }
