// Package mesh owns the shared data model and wire contract.
//
// Ownership boundary:
// - node identity, type, capability, and status enums
//
// - file version records and heartbeat records
//
// - error taxonomy shared across components
//
// - envelope shape and binary codec for in-mesh messages
//
// mesh holds no mutable runtime state; single-writer ownership of live
// state belongs to transport (connection table), filestore (file
// versions), and coordinator (node status).
package mesh
