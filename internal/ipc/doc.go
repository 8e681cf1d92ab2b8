// Package ipc implements the process-boundary channel between a
// supervisor and its workers: named per-worker endpoints, 4-byte
// little-endian length framing, the identity/version handshake, and
// correlation-id based request/response multiplexing.
package ipc
