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

package pool

import "sync"

var (
	defaultMu   sync.Mutex
	defaultPool *Pool
)

// SetDefault installs p as the process-wide pool. The previous default, if
// any, is reset first so its servers do not outlive it.
func SetDefault(p *Pool) {
	defaultMu.Lock()
	prev := defaultPool
	defaultPool = p
	defaultMu.Unlock()

	if prev != nil && prev != p {
		prev.Reset()
	}
}

// Default returns the process-wide pool, or nil if none was installed.
func Default() *Pool {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultPool
}

// ResetDefault tears down the process-wide pool and forgets it. Tests call
// this to start from a clean slate.
func ResetDefault() {
	defaultMu.Lock()
	prev := defaultPool
	defaultPool = nil
	defaultMu.Unlock()

	if prev != nil {
		prev.Reset()
	}
}
