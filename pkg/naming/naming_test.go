package naming

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacktea/kbtpub/pkg/keys"
	"github.com/jacktea/kbtpub/pkg/xerrors"
)

const testSecret = "CAESQNCzosaz9m4t4MQgFEuHIjicXYOLhk5Ee+/i4+AisAqR1VMaS460TQzZND3dtS0aS4f6qTYnryAWcWJfYlXWFlM="

func TestContentAddressKnownVector(t *testing.T) {
	priv, err := keys.DeriveFromSecret(testSecret, "my_content.jpg")
	require.NoError(t, err)

	addr, err := ContentAddress(priv.GetPublic())
	require.NoError(t, err)
	assert.Equal(t, "k51qzi5uqu5dgthudpht2my9zr9v80xyz9c41fylhm9kzu8rj8jt8w3ivs0d5g", addr)

	again, err := ContentAddress(priv.GetPublic())
	require.NoError(t, err)
	assert.Equal(t, addr, again)
}

func TestHumanName(t *testing.T) {
	testcases := []struct {
		path string
		want string
	}{
		{path: "alex/is/a/test/machine", want: "machine"},
		{path: "fixtures/unrevealed.json", want: "unrevealed.json"},
		{path: "photo.tar.gz", want: "photo.tar.gz"},
		{path: "site/", want: "site"},
	}
	for _, tc := range testcases {
		t.Run(tc.path, func(t *testing.T) {
			got, err := HumanName(SpecPath, tc.path)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestHumanNameRejectsUnknownNameSpec(t *testing.T) {
	_, err := HumanName("hash", "a/b")
	require.Error(t, err)
	assert.Equal(t, xerrors.KindUnsupportedNameSpec, xerrors.KindOf(err))

	_, err = HumanName(SpecPath, "")
	require.Error(t, err)
	assert.Equal(t, xerrors.KindInvalid, xerrors.KindOf(err))
}
