// Copyright 2020 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crypto_test

import (
	"testing"

	"github.com/safenetwork/safenode/pkg/crypto"
)

func TestDefaultSigner(t *testing.T) {
	t.Parallel()

	testBytes := []byte("test string")
	privKey, err := crypto.GenerateSecp256k1Key()
	if err != nil {
		t.Fatal(err)
	}

	signer := crypto.NewDefaultSigner(privKey)
	signature, err := signer.Sign(testBytes)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("OK - sign & recover", func(t *testing.T) {
		t.Parallel()

		pubKey, err := signer.Recover(signature, testBytes)
		if err != nil {
			t.Fatal(err)
		}

		if pubKey.X.Cmp(privKey.PublicKey.X) != 0 || pubKey.Y.Cmp(privKey.PublicKey.Y) != 0 {
			t.Fatalf("wanted %v but got %v", pubKey, &privKey.PublicKey)
		}
	})

	t.Run("OK - recover with invalid data", func(t *testing.T) {
		t.Parallel()

		pubKey, err := crypto.Recover(signature, []byte("invalid"))
		if err != nil {
			t.Fatal(err)
		}

		if pubKey.X.Cmp(privKey.PublicKey.X) == 0 && pubKey.Y.Cmp(privKey.PublicKey.Y) == 0 {
			t.Fatal("should have been different")
		}
	})

	t.Run("recover overlay", func(t *testing.T) {
		t.Parallel()

		want, err := crypto.NewOverlayAddress(privKey.PublicKey)
		if err != nil {
			t.Fatal(err)
		}
		got, err := crypto.RecoverOverlay(signature, testBytes)
		if err != nil {
			t.Fatal(err)
		}
		if !got.Equal(want) {
			t.Fatalf("got overlay %s, want %s", got, want)
		}
	})

	t.Run("malformed signature", func(t *testing.T) {
		t.Parallel()

		if _, err := crypto.Recover(signature[:10], testBytes); err == nil {
			t.Fatal("expected error")
		}
	})
}
