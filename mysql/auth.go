package mysql

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
)

// ScrambleSize is the length of the random challenge sent in the
// handshake.
const ScrambleSize = 20

// GenerateScramble produces a 20-byte random challenge. Bytes are kept
// in the printable ASCII range and never 0x00, single or double quote,
// so the scramble survives text framing on either end.
func GenerateScramble() ([]byte, error) {
	scramble := make([]byte, ScrambleSize)
	if _, err := rand.Read(scramble); err != nil {
		return nil, err
	}
	for i := range scramble {
		b := 0x20 + scramble[i]%95
		if b == '\'' || b == '"' {
			b++
		}
		scramble[i] = b
	}
	return scramble, nil
}

// HashPassword returns SHA1(password) and SHA1(SHA1(password)). The
// double hash is what the user catalog stores; the single hash is the
// only credential material forwarded to backends.
func HashPassword(password []byte) (stage1, stage2 []byte) {
	h1 := sha1.Sum(password)
	stage1 = h1[:]
	h2 := sha1.Sum(stage1)
	stage2 = h2[:]
	return stage1, stage2
}

// NativePasswordToken computes the token a client sends for a given
// scramble: SHA1(password) XOR SHA1(scramble + SHA1(SHA1(password))).
// Used when authenticating against a backend with the stage1 hash
// captured from the client, and by tests acting as a client.
func NativePasswordToken(scramble, stage1 []byte) []byte {
	if len(stage1) == 0 {
		return nil
	}

	crypt := sha1.New()
	crypt.Write(stage1)
	stage2 := crypt.Sum(nil)

	crypt.Reset()
	crypt.Write(scramble)
	crypt.Write(stage2)
	token := crypt.Sum(nil)

	for i := range token {
		token[i] ^= stage1[i]
	}
	return token
}

// VerifyNativePassword checks a client token against the stored
// SHA1(SHA1(password)) digest:
//
//	step1 = SHA1(scramble + stored)
//	step2 = token XOR step1        (the claimed SHA1(password))
//	ok    = SHA1(step2) == stored
//
// On success it returns step2, which the caller keeps for backend
// authentication. An empty token matches only a passwordless account.
func VerifyNativePassword(scramble, token, stored []byte) ([]byte, bool) {
	if len(token) == 0 {
		return nil, len(stored) == 0
	}
	if len(stored) == 0 || len(token) != sha1.Size {
		return nil, false
	}

	crypt := sha1.New()
	crypt.Write(scramble)
	crypt.Write(stored)
	step1 := crypt.Sum(nil)

	step2 := make([]byte, sha1.Size)
	for i := range step2 {
		step2[i] = token[i] ^ step1[i]
	}

	check := sha1.Sum(step2)
	if !bytes.Equal(check[:], stored) {
		return nil, false
	}
	return step2, true
}
