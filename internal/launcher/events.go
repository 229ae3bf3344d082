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
	"sync"
	"time"
)

// EventType represents the type of server lifecycle event.
type EventType string

const (
	// EventLive indicates a server passed its health check and is live.
	EventLive EventType = "live"
	// EventStopped indicates a server was stopped by request.
	EventStopped EventType = "stopped"
	// EventCrashed indicates a live server exited unexpectedly.
	EventCrashed EventType = "crashed"
)

// Event is a lifecycle notification for one server. Crash events carry the
// typed ExitError in Err.
type Event struct {
	// Type is the event type.
	Type EventType `json:"type"`

	// Server is the name of the server.
	Server string `json:"server"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Err is the error that caused the event, if any.
	Err error `json:"-"`
}

// eventHub fans lifecycle events out to subscribers. Delivery is synchronous;
// subscribers must not block.
type eventHub struct {
	mu   sync.RWMutex
	subs []func(Event)
}

func (h *eventHub) subscribe(fn func(Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs = append(h.subs, fn)
}

func (h *eventHub) emit(ev Event) {
	h.mu.RLock()
	subs := make([]func(Event), len(h.subs))
	copy(subs, h.subs)
	h.mu.RUnlock()

	for _, fn := range subs {
		fn(ev)
	}
}
