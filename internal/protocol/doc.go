// Package protocol owns the peer wire contract and its parsing primitives.
//
// Ownership boundary:
// - message kinds and frame layout
// - stateless buffer encode/decode
// - error taxonomy shared by frame and session
//
// Frame layout:
//
//	>PING\r\n            keyword frame
//	>PONG\r\n
//	*<len><bytes>\r\n    length-prefixed utf-8 text, len <= 64
//	+<u32 le>\r\n        logical clock heartbeat
package protocol
