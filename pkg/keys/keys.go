// Package keys derives per-item publishing keys from a master secret.
//
// A publishing key is a pure function of (master key, human name): the
// master key signs the name and the first 32 bytes of that signature seed an
// Ed25519 keypair. Re-publishing under the same name therefore always yields
// the same key, and so the same content address.
package keys

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/libp2p/go-libp2p/core/crypto"

	"github.com/jacktea/kbtpub/pkg/xerrors"
)

const (
	// SeedLength is the number of signature bytes used to seed the keypair.
	SeedLength = 32
	// keyBits is ignored for Ed25519 but required by the generator.
	keyBits = 2048
)

// DecodeSecret decodes a base64 libp2p protobuf private key.
func DecodeSecret(encoded string) (crypto.PrivKey, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, xerrors.E(xerrors.KindKeyDerivation, "keys.DecodeSecret", "")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindKeyDerivation, "keys.DecodeSecret", "", err)
	}
	key, err := crypto.UnmarshalPrivateKey(raw)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindKeyDerivation, "keys.DecodeSecret", "", err)
	}
	return key, nil
}

// Derive returns the publishing key for human under master.
func Derive(master crypto.PrivKey, human string) (crypto.PrivKey, error) {
	if master == nil {
		return nil, xerrors.E(xerrors.KindKeyDerivation, "keys.Derive", human)
	}
	// ECDSA signatures use a random nonce, so the derived key would change
	// on every run.
	if master.Type() == crypto.ECDSA {
		return nil, xerrors.Wrap(xerrors.KindKeyDerivation, "keys.Derive", human,
			fmt.Errorf("master key type %s does not sign deterministically", master.Type()))
	}
	sig, err := master.Sign([]byte(human))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindKeyDerivation, "keys.Derive", human, err)
	}
	if len(sig) < SeedLength {
		return nil, xerrors.Wrap(xerrors.KindKeyDerivation, "keys.Derive", human,
			fmt.Errorf("signature is %d bytes, need %d", len(sig), SeedLength))
	}
	priv, _, err := crypto.GenerateKeyPairWithReader(crypto.Ed25519, keyBits, bytes.NewReader(sig[:SeedLength]))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindKeyDerivation, "keys.Derive", human, err)
	}
	return priv, nil
}

// DeriveFromSecret decodes encoded and derives the publishing key for human.
func DeriveFromSecret(encoded, human string) (crypto.PrivKey, error) {
	master, err := DecodeSecret(encoded)
	if err != nil {
		return nil, err
	}
	return Derive(master, human)
}

// EncodePublicKey returns the base64 libp2p protobuf encoding of pub. This is
// the value sent in the X-Signature header.
func EncodePublicKey(pub crypto.PubKey) (string, error) {
	raw, err := crypto.MarshalPublicKey(pub)
	if err != nil {
		return "", xerrors.Wrap(xerrors.KindKeyDerivation, "keys.EncodePublicKey", "", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodePublicKey reverses EncodePublicKey.
func DecodePublicKey(encoded string) (crypto.PubKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalid, "keys.DecodePublicKey", "", err)
	}
	pub, err := crypto.UnmarshalPublicKey(raw)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalid, "keys.DecodePublicKey", "", err)
	}
	return pub, nil
}
