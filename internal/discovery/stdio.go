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
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"

	"github.com/tombee/mcpool/internal/launcher"
)

// StdioConnector binds a protocol client to the launched process's stdio
// pipes. The launcher keeps draining the child's stderr itself, so the
// transport is handed an empty logging stream.
func StdioConnector(ctx context.Context, proc *launcher.Process) (ProtocolClient, error) {
	if proc == nil {
		return nil, fmt.Errorf("no process to connect to")
	}

	t := transport.NewIO(proc.Stdout(), proc.Stdin(), io.NopCloser(bytes.NewReader(nil)))
	c := client.NewClient(t)

	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("start transport: %w", err)
	}

	return c, nil
}
