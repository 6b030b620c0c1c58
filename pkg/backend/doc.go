// Package backend provides engine.Backend implementations.
//
// Simulator is a deterministic in-memory chain used for tests, dry
// deployments and the ignite-devnode binary. ProcessClient drives a backend
// living in another process over the JSON-lines protocol in
// pkg/backend/protocol; the process is started by a Transport, either a
// local command (ExecTransport) or a remote session (pkg/transports/ssh).
// Server is the other end of that protocol and exposes any engine.Backend
// over a reader/writer pair.
package backend
