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
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/tombee/mcpool/internal/launcher"
)

// ProtocolClient is the slice of the protocol client surface discovery needs.
// *client.Client from mcp-go satisfies it; tests substitute fakes.
type ProtocolClient interface {
	Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	ListResources(ctx context.Context, request mcp.ListResourcesRequest) (*mcp.ListResourcesResult, error)
	Close() error
}

// Connector builds and starts a protocol client bound to the process's stdio
// streams. The default is StdioConnector.
type Connector func(ctx context.Context, proc *launcher.Process) (ProtocolClient, error)

// Result is the outcome of a successful discovery: the live protocol client
// (used later for tool invocation) and the normalized capability set.
type Result struct {
	// Client is the live protocol client.
	Client ProtocolClient

	// Capabilities is the normalized capability set.
	Capabilities Capabilities
}

// DiscoveryError wraps one or more discovery failures. For a single server it
// carries that server's name; for DiscoverAll it aggregates every per-server
// failure in Causes.
type DiscoveryError struct {
	// Server is the failing server's name, or "" for an aggregate.
	Server string

	// Message is a short classification of the failure.
	Message string

	// Causes are the underlying errors.
	Causes []error
}

// Error implements the error interface.
func (e *DiscoveryError) Error() string {
	var sb strings.Builder
	if e.Server != "" {
		sb.WriteString(e.Server)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Message)
	for _, cause := range e.Causes {
		sb.WriteString("; ")
		sb.WriteString(cause.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying errors.
func (e *DiscoveryError) Unwrap() []error { return e.Causes }

// DefaultTimeout bounds one complete discovery (handshake plus capability
// listing).
const DefaultTimeout = 30 * time.Second

// Options configures a Discoverer.
type Options struct {
	// Timeout bounds one complete discovery. Defaults to DefaultTimeout.
	Timeout time.Duration

	// Connect builds the protocol client. Defaults to StdioConnector.
	Connect Connector

	// ClientName identifies this client during the handshake.
	ClientName string

	// ClientVersion is reported alongside ClientName.
	ClientVersion string

	// Logger is used for structured logging (optional).
	Logger *slog.Logger
}

// Discoverer performs capability discovery against launched processes.
type Discoverer struct {
	opts   Options
	logger *slog.Logger
}

// New creates a Discoverer with the given options.
func New(opts Options) *Discoverer {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Connect == nil {
		opts.Connect = StdioConnector
	}
	if opts.ClientName == "" {
		opts.ClientName = "mcpool"
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "0.1.0"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Discoverer{opts: opts, logger: logger}
}

// Discover drives the handshake and capability listing for one server. The
// process must already have passed its health check; Discover does not
// re-verify liveness. On success the returned client is connected and owned
// by the caller.
func (d *Discoverer) Discover(ctx context.Context, name string, proc *launcher.Process) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	sm := newStateMachine()
	if err := sm.to(StateStarting); err != nil {
		return nil, err
	}

	client, err := d.opts.Connect(ctx, proc)
	if err != nil {
		_ = sm.to(StateError)
		return nil, &DiscoveryError{Server: name, Message: "connection failed", Causes: []error{err}}
	}
	if err := sm.to(StateReady); err != nil {
		_ = client.Close()
		return nil, err
	}

	initResult, err := client.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			Capabilities:    mcp.ClientCapabilities{},
			ClientInfo: mcp.Implementation{
				Name:    d.opts.ClientName,
				Version: d.opts.ClientVersion,
			},
		},
	})
	if err != nil {
		_ = client.Close()
		_ = sm.to(StateError)
		return nil, &DiscoveryError{Server: name, Message: "handshake failed", Causes: []error{err}}
	}
	if err := sm.to(StateDiscovering); err != nil {
		_ = client.Close()
		return nil, err
	}

	caps, err := d.listCapabilities(ctx, client, initResult)
	if err != nil {
		_ = client.Close()
		_ = sm.to(StateError)
		return nil, &DiscoveryError{Server: name, Message: "capability listing failed", Causes: []error{err}}
	}

	if caps.Empty() {
		_ = client.Close()
		_ = sm.to(StateError)
		return nil, &DiscoveryError{Server: name, Message: "no capabilities discovered"}
	}

	if err := sm.to(StateActive); err != nil {
		_ = client.Close()
		return nil, err
	}

	d.logger.Info("capabilities discovered",
		"server", name,
		"tools", len(caps.Tools),
		"resources", len(caps.Resources),
	)

	return &Result{Client: client, Capabilities: caps}, nil
}

// listCapabilities requests the tool and resource lists the server advertised
// support for and normalizes the entries.
func (d *Discoverer) listCapabilities(ctx context.Context, client ProtocolClient, initResult *mcp.InitializeResult) (Capabilities, error) {
	var caps Capabilities

	if initResult.Capabilities.Tools != nil {
		result, err := client.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			return caps, fmt.Errorf("list tools: %w", err)
		}
		caps.Tools = make([]Tool, 0, len(result.Tools))
		for _, tool := range result.Tools {
			normalized, err := normalizeTool(tool)
			if err != nil {
				return caps, err
			}
			caps.Tools = append(caps.Tools, normalized)
		}
	}

	if initResult.Capabilities.Resources != nil {
		result, err := client.ListResources(ctx, mcp.ListResourcesRequest{})
		if err != nil {
			return caps, fmt.Errorf("list resources: %w", err)
		}
		caps.Resources = make([]Resource, 0, len(result.Resources))
		for _, resource := range result.Resources {
			caps.Resources = append(caps.Resources, Resource{
				Name:        resource.Name,
				Type:        ResourceType,
				Description: resource.Description,
				URI:         resource.URI,
				MimeType:    resource.MIMEType,
			})
		}
	}

	return caps, nil
}

// normalizeTool converts a protocol tool into the normalized form, preferring
// the raw schema bytes when the server supplied them.
func normalizeTool(tool mcp.Tool) (Tool, error) {
	var schema json.RawMessage
	if len(tool.RawInputSchema) > 0 {
		schema = tool.RawInputSchema
	} else {
		data, err := json.Marshal(tool.InputSchema)
		if err != nil {
			return Tool{}, fmt.Errorf("marshal input schema for %s: %w", tool.Name, err)
		}
		schema = data
	}

	return Tool{
		Name:        tool.Name,
		Description: tool.Description,
		InputSchema: schema,
	}, nil
}

// discoverAllConcurrency bounds how many servers are discovered in parallel.
const discoverAllConcurrency = 8

// DiscoverAll discovers every given server concurrently. All attempts run to
// completion; if any failed, every successful client is closed and one
// aggregate DiscoveryError carrying the full cause list is returned, so the
// call is all-or-nothing for the caller.
func (d *Discoverer) DiscoverAll(ctx context.Context, procs map[string]*launcher.Process) (map[string]*Result, error) {
	var (
		mu       sync.Mutex
		results  = make(map[string]*Result, len(procs))
		failures []error
	)

	var g errgroup.Group
	g.SetLimit(discoverAllConcurrency)

	for name, proc := range procs {
		g.Go(func() error {
			result, err := d.Discover(ctx, name, proc)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				return nil
			}
			results[name] = result
			return nil
		})
	}
	_ = g.Wait()

	if len(failures) > 0 {
		// Sort for deterministic aggregate messages.
		sort.Slice(failures, func(i, j int) bool {
			return failures[i].Error() < failures[j].Error()
		})
		for _, result := range results {
			_ = result.Client.Close()
		}
		return nil, &DiscoveryError{
			Message: fmt.Sprintf("discovery failed for %d of %d server(s)", len(failures), len(procs)),
			Causes:  failures,
		}
	}

	return results, nil
}
