package proto

// NoiseIdentityPayload is sent inside the Noise handshake payload.
// It binds the long-term ed25519 identity to the Noise static key: IdentitySig
// signs "noise-libp2p-static-key:" followed by the sender's static key.
type NoiseIdentityPayload struct {
	IdentityKey []byte `json:"identity_key"`
	IdentitySig []byte `json:"identity_sig"`
}
