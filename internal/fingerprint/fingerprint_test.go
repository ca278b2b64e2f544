package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromURLCanonicalizesEquivalentLinks(t *testing.T) {
	t.Parallel()

	variants := []string{
		"https://example.com/reel/abc123/",
		"https://EXAMPLE.com/reel/abc123",
		"https://example.com/reel/abc123?utm_source=share",
		"https://example.com/reel/abc123#comments",
		"  https://example.com/reel/abc123/  ",
	}

	first, err := FromURL(variants[0])
	require.NoError(t, err)
	require.Len(t, string(first), 64)

	for _, v := range variants[1:] {
		fp, err := FromURL(v)
		require.NoError(t, err)
		require.Equal(t, first, fp, "variant %q should canonicalize identically", v)
	}
}

func TestFromURLDistinguishesDifferentItems(t *testing.T) {
	t.Parallel()

	a, err := FromURL("https://example.com/reel/abc123")
	require.NoError(t, err)
	b, err := FromURL("https://example.com/reel/def456")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestFromURLRejectsRelativeURLs(t *testing.T) {
	t.Parallel()

	_, err := FromURL("/reel/abc123")
	require.Error(t, err)

	_, err = FromURL("not a url at all\x7f://")
	require.Error(t, err)
}

func TestHasherIsDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	a, err := h.Hash([]byte("payload"))
	require.NoError(t, err)
	b, err := h.Hash([]byte("payload"))
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Len(t, a, 64)
}
