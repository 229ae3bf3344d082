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

package discovery

import "fmt"

// State is the transient per-call discovery state. It exists only for the
// duration of one Discover invocation and is never persisted.
type State string

const (
	// StateNotStarted is the initial state.
	StateNotStarted State = "not_started"
	// StateStarting indicates the transport is being bound to the process.
	StateStarting State = "starting"
	// StateReady indicates the transport is up and the handshake can begin.
	StateReady State = "ready"
	// StateDiscovering indicates the handshake succeeded and capabilities
	// are being listed.
	StateDiscovering State = "discovering"
	// StateActive indicates discovery completed with at least one capability.
	StateActive State = "active"
	// StateError is the terminal failure state.
	StateError State = "error"
)

// transitions enumerates the legal forward moves. StateError is reachable
// from any non-terminal state and is handled separately.
var transitions = map[State]State{
	StateNotStarted:  StateStarting,
	StateStarting:    StateReady,
	StateReady:       StateDiscovering,
	StateDiscovering: StateActive,
}

// stateMachine guards the discovery lifecycle. Out-of-order moves are
// programming errors and rejected.
type stateMachine struct {
	state State
}

func newStateMachine() *stateMachine {
	return &stateMachine{state: StateNotStarted}
}

// to advances the machine to next, rejecting illegal moves.
func (m *stateMachine) to(next State) error {
	if next == StateError {
		if m.state == StateActive {
			return fmt.Errorf("invalid discovery transition: %s -> %s", m.state, next)
		}
		m.state = StateError
		return nil
	}
	if transitions[m.state] != next {
		return fmt.Errorf("invalid discovery transition: %s -> %s", m.state, next)
	}
	m.state = next
	return nil
}

// current returns the machine's current state.
func (m *stateMachine) current() State {
	return m.state
}
