// Package internal contains the core implementation packages for velo.
//
// The packages are organized by functional domain:
//
//   - resolver: specifier resolution to canonical module ids and cache paths
//   - loader: the transform chain (script, stylesheet, markdown, plugin)
//   - bridge: exec-based collaborators for external transform/render tools
//   - cache: content-addressed artifact store and file hashing
//   - graph: module dependency graph, hash propagation, route tables
//   - build: compiler pipeline and the build orchestrator
//   - watcher: filesystem watching, debouncing, and invalidation
//   - renderer: SSR collaborator interfaces and the render-result cache
//   - server: development HTTP server with HMR over WebSocket
//   - fetch: remote module fetching
//   - config, errors, logging, hash, types, version: shared plumbing
package internal
