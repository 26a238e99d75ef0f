// Package protocol owns the message catalog and the application-level
// view of a frame.
//
// Ownership boundary:
// - message type ids and their kind classification
// - routing header (correlation ids in both job spaces, result, method)
// - CBOR message bodies
package protocol
