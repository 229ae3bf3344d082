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

import (
	"strings"
	"syscall"
)

// ReadyFunc reports whether a line on the child's diagnostic stream indicates
// the server is ready to accept protocol traffic. Detection by substring is a
// de facto convention among stdio tool servers; keeping it behind this type
// lets the strategy evolve without touching the launch path.
type ReadyFunc func(line string) bool

// DefaultReadyMarker is the substring most stdio tool servers print to stderr
// once their transport is up.
const DefaultReadyMarker = "running on stdio"

// MarkerReady returns a ReadyFunc matching lines that contain marker.
func MarkerReady(marker string) ReadyFunc {
	return func(line string) bool {
		return strings.Contains(line, marker)
	}
}

// ProbeFunc checks that a launched process is still alive. It must have no
// observable effect on the child.
type ProbeFunc func(p *Process) error

// SignalProbe verifies liveness by delivering signal 0, which performs the
// kernel-side existence and permission checks without touching the process.
func SignalProbe(p *Process) error {
	if p.cmd == nil || p.cmd.Process == nil {
		return syscall.ESRCH
	}
	return p.cmd.Process.Signal(syscall.Signal(0))
}
