package licence

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Digest of the canonical form of testdata/valid.nls1, computed by the
// reference producer.
const validLicenceDigest = "953f96303e0677ed56f9cf30502287f23e0e5c73"

func loadTestDocument(t *testing.T) *Node {
	t.Helper()
	f, err := os.Open(filepath.Join("testdata", "valid.nls1"))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	doc, err := ParseDocument(f)
	require.NoError(t, err)
	return doc
}

func TestCanonicalDigestMatchesFixture(t *testing.T) {
	doc := loadTestDocument(t)
	digest := CanonicalDigest(doc)
	assert.Equal(t, validLicenceDigest, hex.EncodeToString(digest[:]))
}

func TestCanonicalFormShape(t *testing.T) {
	doc := loadTestDocument(t)
	canonical := string(Canonicalize(doc))

	assert.True(t, strings.HasPrefix(canonical, "<Licence1>\r\n  <Company>"))
	assert.True(t, strings.HasSuffix(canonical, "\r\n</Licence1>"))
	// Code is emptied and self-closed; the empty Reseller is too.
	assert.Contains(t, canonical, "<Code />")
	assert.Contains(t, canonical, "<Reseller />")
	assert.NotContains(t, canonical, "<?xml")
	// CRLF only, two spaces per level.
	assert.NotRegexp(t, `[^\r]\n`, canonical)
	assert.Contains(t, canonical, "\r\n  <Product>Insight</Product>\r\n")
}

func TestCanonicalizeDoesNotMutateInput(t *testing.T) {
	doc := loadTestDocument(t)
	before := doc.FindText("Code")
	require.NotEmpty(t, before)

	_ = Canonicalize(doc)
	assert.Equal(t, before, doc.FindText("Code"))
}

func TestCanonicalizeFromRebuiltDocument(t *testing.T) {
	// A licence rebuilt from store fields must canonicalise to the same
	// bytes as the parsed file; the re-verification path depends on it.
	doc := loadTestDocument(t)
	lic, err := FromDocument(doc)
	require.NoError(t, err)

	rebuilt := lic.ToDocument()
	assert.True(t, bytes.Equal(Canonicalize(doc), Canonicalize(rebuilt)))
}

func TestVerifyFixtureSignature(t *testing.T) {
	v, err := NewVerifierFromFile(filepath.Join("testdata", PublicKeyFileName))
	require.NoError(t, err)

	doc := loadTestDocument(t)
	assert.True(t, v.Verify(doc))

	lic, err := FromDocument(doc)
	require.NoError(t, err)
	assert.True(t, v.VerifyLicence(lic))
}

func TestVerifyRejectsTamperedDocument(t *testing.T) {
	v, err := NewVerifierFromFile(filepath.Join("testdata", PublicKeyFileName))
	require.NoError(t, err)

	doc := loadTestDocument(t)
	doc.Find("NumberOfSeats").Text = "400"
	assert.False(t, v.Verify(doc))
}

func TestVerifyRejectsMissingCode(t *testing.T) {
	v, err := NewVerifierFromFile(filepath.Join("testdata", PublicKeyFileName))
	require.NoError(t, err)

	doc := loadTestDocument(t)
	kept := doc.Children[:0]
	for _, c := range doc.Children {
		if c.Tag != "Code" {
			kept = append(kept, c)
		}
	}
	doc.Children = kept
	assert.False(t, v.Verify(doc))
}
