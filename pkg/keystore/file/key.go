// Copyright 2020 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package file

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/safenetwork/safenode/pkg/crypto"
	"github.com/safenetwork/safenode/pkg/keystore"
	"golang.org/x/crypto/scrypt"
)

const (
	keyHeaderKDF = "scrypt"
	keyVersion   = 1

	scryptN     = 1 << 15
	scryptR     = 8
	scryptP     = 1
	scryptDKLen = 32
)

type encryptedKey struct {
	Address string    `json:"address"`
	Crypto  keyCrypto `json:"crypto"`
	Version int       `json:"version"`
}

type keyCrypto struct {
	Cipher     string    `json:"cipher"`
	CipherText string    `json:"ciphertext"`
	Nonce      string    `json:"nonce"`
	KDF        string    `json:"kdf"`
	KDFParams  kdfParams `json:"kdfparams"`
}

type kdfParams struct {
	N     int    `json:"n"`
	R     int    `json:"r"`
	P     int    `json:"p"`
	DKLen int    `json:"dklen"`
	Salt  string `json:"salt"`
}

func encryptKey(k *ecdsa.PrivateKey, password string) ([]byte, error) {
	addr, err := crypto.NewOverlayAddress(k.PublicKey)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	derivedKey, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptDKLen)
	if err != nil {
		return nil, err
	}

	aead, err := newAEAD(derivedKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	cipherText := aead.Seal(nil, nonce, crypto.EncodeSecp256k1PrivateKey(k), salt)

	return json.Marshal(encryptedKey{
		Address: addr.String(),
		Crypto: keyCrypto{
			Cipher:     "aes-256-gcm",
			CipherText: hex.EncodeToString(cipherText),
			Nonce:      hex.EncodeToString(nonce),
			KDF:        keyHeaderKDF,
			KDFParams: kdfParams{
				N:     scryptN,
				R:     scryptR,
				P:     scryptP,
				DKLen: scryptDKLen,
				Salt:  hex.EncodeToString(salt),
			},
		},
		Version: keyVersion,
	})
}

func decryptKey(data []byte, password string) (*ecdsa.PrivateKey, error) {
	var k encryptedKey
	if err := json.Unmarshal(data, &k); err != nil {
		return nil, fmt.Errorf("unmarshal key: %w", err)
	}
	if k.Version != keyVersion {
		return nil, fmt.Errorf("unsupported key version: %v", k.Version)
	}
	if k.Crypto.KDF != keyHeaderKDF {
		return nil, fmt.Errorf("unsupported kdf: %s", k.Crypto.KDF)
	}

	salt, err := hex.DecodeString(k.Crypto.KDFParams.Salt)
	if err != nil {
		return nil, fmt.Errorf("hex decode salt: %w", err)
	}
	nonce, err := hex.DecodeString(k.Crypto.Nonce)
	if err != nil {
		return nil, fmt.Errorf("hex decode nonce: %w", err)
	}
	cipherText, err := hex.DecodeString(k.Crypto.CipherText)
	if err != nil {
		return nil, fmt.Errorf("hex decode cipher text: %w", err)
	}

	p := k.Crypto.KDFParams
	derivedKey, err := scrypt.Key([]byte(password), salt, p.N, p.R, p.P, p.DKLen)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(derivedKey)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length %d", len(nonce))
	}
	plain, err := aead.Open(nil, nonce, cipherText, salt)
	if err != nil {
		return nil, keystore.ErrInvalidPassword
	}

	return crypto.DecodeSecp256k1PrivateKey(plain)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
