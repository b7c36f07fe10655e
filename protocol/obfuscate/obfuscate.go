// Package obfuscate implements the single-byte XOR stream transform applied
// on every relay segment. It hides the SOCKS5 framing from casual inspection
// and offers no confidentiality.
package obfuscate

// Transform returns a copy of b with every byte XORed with key.
// Transform(Transform(b, key), key) equals b.
func Transform(b []byte, key byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[i] = v ^ key
	}
	return out
}

// TransformInPlace XORs b with key without allocating.
func TransformInPlace(b []byte, key byte) {
	if key == 0 {
		return
	}

	for i := range b {
		b[i] ^= key
	}
}

// Compose folds several layer keys into the single key that applies all of
// them at once.
func Compose(keys ...byte) byte {
	var k byte
	for _, key := range keys {
		k ^= key
	}
	return k
}
