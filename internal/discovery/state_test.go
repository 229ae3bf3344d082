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

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachine_HappyPath(t *testing.T) {
	sm := newStateMachine()
	assert.Equal(t, StateNotStarted, sm.current())

	for _, next := range []State{StateStarting, StateReady, StateDiscovering, StateActive} {
		require.NoError(t, sm.to(next))
		assert.Equal(t, next, sm.current())
	}
}

func TestStateMachine_RejectsSkips(t *testing.T) {
	tests := []struct {
		name string
		path []State
		next State
	}{
		{name: "not started to ready", path: nil, next: StateReady},
		{name: "not started to discovering", path: nil, next: StateDiscovering},
		{name: "starting to discovering", path: []State{StateStarting}, next: StateDiscovering},
		{name: "starting to active", path: []State{StateStarting}, next: StateActive},
		{name: "backwards from ready", path: []State{StateStarting, StateReady}, next: StateStarting},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := newStateMachine()
			for _, s := range tt.path {
				require.NoError(t, sm.to(s))
			}
			err := sm.to(tt.next)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid discovery transition")
		})
	}
}

func TestStateMachine_ErrorFromAnywhere(t *testing.T) {
	sm := newStateMachine()
	require.NoError(t, sm.to(StateStarting))
	require.NoError(t, sm.to(StateError))
	assert.Equal(t, StateError, sm.current())
}

func TestStateMachine_ActiveIsTerminal(t *testing.T) {
	sm := newStateMachine()
	for _, next := range []State{StateStarting, StateReady, StateDiscovering, StateActive} {
		require.NoError(t, sm.to(next))
	}
	require.Error(t, sm.to(StateError))
}
