// Package storage defines the persistence contract for the OAuth
// authorization server core and the serializable record types it stores:
// authorization codes, access and refresh tokens, refresh-reuse markers,
// and registered clients.
//
// The server does not know which backend it is talking to. Implementations
// are provided in subpackages:
//   - storage/memory: in-memory storage for development and testing
//   - storage/bolt: durable embedded storage on bbolt, optionally read-only
//   - storage/valkey: Valkey/Redis-backed authoritative storage that mirrors
//     every mutation into a bolt projection owned by a single elected process
package storage
