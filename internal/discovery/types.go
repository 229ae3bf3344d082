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

// Package discovery performs the protocol handshake against an
// already-launched, healthy tool-server process and enumerates its
// capabilities. It borrows the process's stdio streams from the launcher; it
// never signals, kills, or deregisters the process itself.
package discovery

import (
	"encoding/json"
)

// Tool is a normalized invokable capability advertised by a server.
type Tool struct {
	// Name is the unique identifier for this tool.
	Name string `json:"name"`

	// Description explains what the tool does.
	Description string `json:"description,omitempty"`

	// InputSchema defines the expected input parameters using JSON Schema.
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ResourceType is the default type recorded for protocol resources, which do
// not carry an explicit type of their own.
const ResourceType = "resource"

// Resource is a normalized referenceable artifact advertised by a server.
type Resource struct {
	// Name is a human-readable name.
	Name string `json:"name"`

	// Type categorizes the resource.
	Type string `json:"type"`

	// Description explains what this resource contains.
	Description string `json:"description,omitempty"`

	// URI is the unique identifier for this resource.
	URI string `json:"uri"`

	// MimeType indicates the content type.
	MimeType string `json:"mimeType,omitempty"`
}

// Capabilities is the normalized capability set of one server.
type Capabilities struct {
	// Tools are the server's invokable capabilities.
	Tools []Tool `json:"tools"`

	// Resources are the server's referenceable artifacts.
	Resources []Resource `json:"resources"`
}

// Empty reports whether the server advertised nothing at all.
func (c Capabilities) Empty() bool {
	return len(c.Tools) == 0 && len(c.Resources) == 0
}
