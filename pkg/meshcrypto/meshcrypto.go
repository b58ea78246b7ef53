// Package meshcrypto implements the mesh key derivation functions needed by
// the keystore: s1 salt generation and the k4 application identifier
// derivation (AES-CMAC based, per the Mesh Profile security functions).
package meshcrypto

import (
	"crypto/aes"
	"fmt"

	"github.com/aead/cmac"

	"github.com/sorrel-io/btmesh/pkg/types"
)

const aidMask = 0x3f // k4 output is the 6 least significant bits

func aesCMAC(key, msg []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	mac, err := cmac.Sum(msg, block, aes.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("cmac: %w", err)
	}
	return mac, nil
}

// s1 is the mesh salt generation function: AES-CMAC keyed with zero.
func s1(m []byte) ([]byte, error) {
	return aesCMAC(make([]byte, aes.BlockSize), m)
}

// AppID derives the 6-bit application identifier (AID) carried on the wire
// alongside messages encrypted with the given application key.
//
// k4(N) = AES-CMAC_T("id6" || 0x01) mod 2^6, with T = AES-CMAC_salt(N) and
// salt = s1("smk4").
func AppID(key types.Key) (uint8, error) {
	salt, err := s1([]byte("smk4"))
	if err != nil {
		return 0, err
	}

	t, err := aesCMAC(salt, key[:])
	if err != nil {
		return 0, err
	}

	out, err := aesCMAC(t, []byte("id6\x01"))
	if err != nil {
		return 0, err
	}

	return out[len(out)-1] & aidMask, nil
}
