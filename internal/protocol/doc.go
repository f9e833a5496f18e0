// Package protocol owns the camera link wire contract and parsing primitives.
//
// Ownership boundary:
// - command/response line markers
// - ingestion queue shared with the link reader
// - text/binary framer (header, error line, trailer detection)
// - XOR checksum
// - camera-side encoder used by the simulator
package protocol
