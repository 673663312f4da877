// Package naming maps item paths to human names and renders the base36
// content address of a publishing key.
package naming

import (
	"fmt"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multibase"

	"github.com/jacktea/kbtpub/pkg/xerrors"
)

// SpecPath names items after the final segment of their path.
const SpecPath = "path"

// HumanName turns a filesystem path into the name used for key derivation.
func HumanName(namespec, p string) (string, error) {
	switch namespec {
	case SpecPath:
		if p == "" {
			return "", xerrors.E(xerrors.KindInvalid, "naming.HumanName", p)
		}
		return filepath.Base(p), nil
	default:
		return "", xerrors.Wrap(xerrors.KindUnsupportedNameSpec, "naming.HumanName", p,
			fmt.Errorf("unexpected namespec %q, should be %q", namespec, SpecPath))
	}
}

// ContentAddress renders the stable address of pub: the peer ID as a CIDv1
// (libp2p-key codec) in base36.
func ContentAddress(pub crypto.PubKey) (string, error) {
	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return "", xerrors.Wrap(xerrors.KindKeyDerivation, "naming.ContentAddress", "", err)
	}
	addr, err := peer.ToCid(id).StringOfBase(multibase.Base36)
	if err != nil {
		return "", xerrors.Wrap(xerrors.KindInternal, "naming.ContentAddress", "", err)
	}
	return addr, nil
}
