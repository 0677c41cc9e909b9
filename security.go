// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"crypto/des" // #nosec G502 - DES is required by VNC Authentication (RFC 6143 7.2.2)
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/bits"
)

// VNC Authentication uses DES with the password as key. DES is weak; it is
// only here because the protocol requires it. Tunnel the transport when
// confidentiality matters.

// VNC security constants.
const (
	VNCChallengeSize     = 16
	DESKeySize           = 8
	VNCMaxPasswordLength = 8
)

// clearBytes overwrites sensitive data in place.
func clearBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// vncDESKey builds the DES key from the first eight password bytes, each
// bit-reversed, zero padded.
func vncDESKey(password string) []byte {
	key := make([]byte, DESKeySize)
	for i := 0; i < DESKeySize && i < len(password); i++ {
		key[i] = bits.Reverse8(password[i])
	}
	return key
}

// encryptVNCChallenge returns the 16-byte response for challenge.
func encryptVNCChallenge(password string, challenge []byte) ([]byte, error) {
	if len(challenge) != VNCChallengeSize {
		return nil, validationError("encryptVNCChallenge",
			fmt.Sprintf("challenge must be exactly %d bytes, got %d", VNCChallengeSize, len(challenge)), nil)
	}

	key := vncDESKey(password)
	defer clearBytes(key)

	block, err := des.NewCipher(key) // #nosec G405 - required by the protocol
	if err != nil {
		return nil, authenticationError("encryptVNCChallenge", "failed to create DES cipher", err)
	}

	result := make([]byte, VNCChallengeSize)
	block.Encrypt(result[:DESKeySize], challenge[:DESKeySize])
	block.Encrypt(result[DESKeySize:], challenge[DESKeySize:])
	return result, nil
}

// newChallenge returns a random 16-byte authentication challenge.
func newChallenge() ([]byte, error) {
	challenge := make([]byte, VNCChallengeSize)
	if _, err := rand.Read(challenge); err != nil {
		return nil, authenticationError("newChallenge", "failed to generate challenge", err)
	}
	return challenge, nil
}

// verifyVNCResponse checks a client's response to challenge in constant time.
func verifyVNCResponse(password string, challenge, response []byte) (bool, error) {
	expected, err := encryptVNCChallenge(password, challenge)
	if err != nil {
		return false, err
	}
	defer clearBytes(expected)
	return subtle.ConstantTimeCompare(expected, response) == 1, nil
}
