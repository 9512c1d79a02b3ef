package licence

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDocumentTextAndTail(t *testing.T) {
	doc, err := ParseDocument(strings.NewReader(
		"<Root>head<A>one</A>between<B>two</B>after</Root>"))
	require.NoError(t, err)

	assert.Equal(t, "Root", doc.Tag)
	assert.Equal(t, "head", doc.Text)
	require.Len(t, doc.Children, 2)
	assert.Equal(t, "one", doc.Children[0].Text)
	assert.Equal(t, "between", doc.Children[0].Tail)
	assert.Equal(t, "after", doc.Children[1].Tail)
}

func TestSerializeSelfClosesEmptyElements(t *testing.T) {
	doc, err := ParseDocument(strings.NewReader("<Root><Empty></Empty><Full>x</Full></Root>"))
	require.NoError(t, err)

	assert.Equal(t, "<Root><Empty /><Full>x</Full></Root>", string(doc.Serialize()))
}

func TestSerializeEscapesOnlyMarkupInText(t *testing.T) {
	doc := &Node{Tag: "Root", Text: `a & b < c > d "quoted" 'single'`}
	// Quotes stay literal in character data; only & < > are escaped.
	assert.Equal(t,
		`<Root>a &amp; b &lt; c &gt; d "quoted" 'single'</Root>`,
		string(doc.Serialize()))
}

func TestSerializeKeepsCRLFLiteralInText(t *testing.T) {
	doc := &Node{Tag: "Root", Text: "line1\r\nline2"}
	assert.Equal(t, "<Root>line1\r\nline2</Root>", string(doc.Serialize()))
}

func TestSerializeEscapesAttributeValues(t *testing.T) {
	doc, err := ParseDocument(strings.NewReader(`<Root attr="a&quot;b"/>`))
	require.NoError(t, err)
	assert.Equal(t, `<Root attr="a&quot;b" />`, string(doc.Serialize()))
}

func TestParseDocumentRejectsGarbage(t *testing.T) {
	for _, input := range []string{
		"",
		"<Root>",
		"<A></A><B></B>",
		"not xml",
	} {
		_, err := ParseDocument(strings.NewReader(input))
		assert.Error(t, err, "input %q", input)
	}
}

func TestCloneIsDeep(t *testing.T) {
	doc, err := ParseDocument(strings.NewReader("<Root><A>one</A></Root>"))
	require.NoError(t, err)

	cp := doc.Clone()
	cp.Children[0].Text = "changed"
	assert.Equal(t, "one", doc.Children[0].Text)
}

func TestFindText(t *testing.T) {
	doc, err := ParseDocument(strings.NewReader("<Root><A>one</A><B /></Root>"))
	require.NoError(t, err)

	assert.Equal(t, "one", doc.FindText("A"))
	assert.Equal(t, "", doc.FindText("B"))
	assert.Equal(t, "", doc.FindText("Missing"))
	assert.Nil(t, doc.Find("Missing"))
}
