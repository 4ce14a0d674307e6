package box_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/simplexmq/simplexmq/core/crypto/box"
)

func TestSealOpenRoundTrip(t *testing.T) {
	aPub, aPriv, err := box.GenerateKeypair()
	require.NoError(t, err)
	bPub, bPriv, err := box.GenerateKeypair()
	require.NoError(t, err)

	sealed, err := box.Seal([]byte("hello bob"), bPub, aPriv)
	require.NoError(t, err)

	plain, err := box.Open(sealed, aPub, bPriv)
	require.NoError(t, err)
	require.Equal(t, []byte("hello bob"), plain)
}

func TestOpenRejectsWrongKey(t *testing.T) {
	aPub, _, err := box.GenerateKeypair()
	require.NoError(t, err)
	bPub, bPriv, err := box.GenerateKeypair()
	require.NoError(t, err)
	_, cPriv, err := box.GenerateKeypair()
	require.NoError(t, err)

	// Seal to a, authenticated by b; opening with c's private key
	// instead of a's must fail even though the sender's public key
	// (bPub) is correct.
	sealed, err := box.Seal([]byte("hello alice"), aPub, bPriv)
	require.NoError(t, err)
	_, err = box.Open(sealed, bPub, cPriv)
	require.ErrorIs(t, err, box.ErrOpen)
}

func TestSealAnonOpenAnonRoundTrip(t *testing.T) {
	recipientPub, recipientPriv, err := box.GenerateKeypair()
	require.NoError(t, err)

	sealed, err := box.SealAnon([]byte("anonymous application message"), recipientPub)
	require.NoError(t, err)

	plain, err := box.OpenAnon(sealed, recipientPub, recipientPriv)
	require.NoError(t, err)
	require.Equal(t, []byte("anonymous application message"), plain)
}

func TestOpenAnonRejectsTamperedCiphertext(t *testing.T) {
	recipientPub, recipientPriv, err := box.GenerateKeypair()
	require.NoError(t, err)

	sealed, err := box.SealAnon([]byte("original"), recipientPub)
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xFF

	_, err = box.OpenAnon(sealed, recipientPub, recipientPriv)
	require.ErrorIs(t, err, box.ErrOpen)
}

func TestPrivateKeyPublicMatchesGeneratedPublic(t *testing.T) {
	pub, priv, err := box.GenerateKeypair()
	require.NoError(t, err)
	require.Equal(t, pub.Bytes(), priv.Public().Bytes())
}

func TestKeyBytesRoundTrip(t *testing.T) {
	pub, priv, err := box.GenerateKeypair()
	require.NoError(t, err)

	decodedPub, err := box.PublicKeyFromBytes(pub.Bytes())
	require.NoError(t, err)
	require.Equal(t, pub, decodedPub)

	decodedPriv, err := box.PrivateKeyFromBytes(priv.Bytes())
	require.NoError(t, err)
	require.Equal(t, priv, decodedPriv)
}

func TestPublicKeyFromBytesRejectsWrongLength(t *testing.T) {
	_, err := box.PublicKeyFromBytes([]byte("too short"))
	require.Error(t, err)
}
