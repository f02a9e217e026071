//go:build !linux

// File: topology/discover_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package topology

import "github.com/momentics/hioload-rt/api"

func discoverPlatform() (*Topology, error) {
	return nil, api.ErrNotSupported
}
