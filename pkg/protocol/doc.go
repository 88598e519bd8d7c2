// Package protocol implements the packet-level wire format of the host/device
// transport.
//
// # Packet Layout
//
// Every message is carried by one or more fixed-size packets. The first
// packet of a message starts with a 5-byte init header, every following
// packet with a 3-byte continuation header:
//
//	init:         control byte (1) | channel id (2, BE) | payload length (2, BE) | payload...
//	continuation: 0x80 (1)         | channel id (2, BE) | payload...
//
// The payload length counts the trailing 4-byte CRC-32 which covers the init
// header and the payload. Bytes after the declared length are zero padding.
//
// # Control Byte
//
// The control byte selects the message category:
//
// Handshake (0x00-0x03):
//   - InitiationRequest/InitiationResponse
//   - CompletionRequest/CompletionResponse
//
// Transport:
//   - EncryptedTransport (0x04): application messages after the handshake
//   - Ack (0x20): acknowledgment of the last received message
//   - TransportError (0x42): error code reported by the device
//
// Broadcast channel (0xffff):
//   - ChannelAllocationRequest/Response (0x40/0x41)
//   - Ping/Pong (0x43/0x44)
//
// Data categories carry a sequence bit (0x10), acknowledgments an ack bit
// (0x08). Together they drive the alternating-bit protocol implemented by
// ChannelSync.
//
// # Roles
//
// Host and device speak mirrored halves of the protocol. A header is parsed
// for a Role and categories that travel in the wrong direction are rejected.
package protocol
