// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration, metrics snapshot and debug introspection of the runtime.
//
// Provides concurrent-safe state handling primitives including:
//   - Config snapshots with hot-reload listeners
//   - A metrics snapshot map refreshed by the runtime
//   - Named debug probes (topology, pool states, suspended tasks)
//
// This package is cross-platform and build-tag-partitioned as needed.
package control
