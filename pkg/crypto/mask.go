package crypto

// MaskPublicKey hides a static public key behind the handshake's ephemeral
// key: X25519(HASH(staticPub || ephemeralPub), staticPub). Only a party that
// already knows staticPub can recognise the result.
func MaskPublicKey(b Backend, staticPub, ephemeralPub Key) (Key, error) {
	mask := Digest(b, staticPub[:], ephemeralPub[:])
	return b.DH(Key(mask), staticPub)
}

// MaskedDH computes the shared secret between the masked static key and
// peerPub from the unmasked private key: X25519(mask, X25519(staticPriv, peerPub)).
func MaskedDH(b Backend, staticPriv Key, mask [HashLen]byte, peerPub Key) (Key, error) {
	shared, err := b.DH(staticPriv, peerPub)
	if err != nil {
		return Key{}, err
	}
	return b.DH(Key(mask), shared)
}

// StaticMask returns the scalar MaskPublicKey multiplies by
func StaticMask(b Backend, staticPub, ephemeralPub Key) [HashLen]byte {
	return Digest(b, staticPub[:], ephemeralPub[:])
}
