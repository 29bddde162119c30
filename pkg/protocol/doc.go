// Package protocol implements the EchoTrace wire protocol.
//
// # Framing
//
// Every unit on the wire is one newline-terminated line. Before the session
// is established each peer sends a key line: its RSA public key in PKIX DER
// form rendered as a bracketed list of signed byte values.
//
//	[48, -126, 2, 34, 48, 13, ...]
//
// After the key exchange every line is an encrypted packet: the CBOR encoding
// of EncryptedPacket, base64 encoded.
//
// # Envelope
//
// An EncryptedPacket carries
//   - payload: base64 AES-256-GCM ciphertext of the payload body
//   - payloadType: TEXT, COMMAND or JSON
//   - gcmParamSpec: the 12 byte IV and the tag length in bits
//   - key: base64 of the RSA-OAEP wrapped AES key followed by the sender signature
//
// The associated data DefaultAAD is bound into both the GCM seal and the
// signature. A packet that fails any check is dropped by the receiver.
//
// # Payload Bodies
//
// TEXT bodies are {"text": "..."}. COMMAND bodies carry command, arguments,
// uuid and timestamp. JSON bodies are an arbitrary non-empty JSON object.
//
// The command "sudo" with arguments "disconnect" is reserved: it asks the
// receiving side to close the connection and is never delivered to
// application listeners.
package protocol
