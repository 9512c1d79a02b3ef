package licence

import (
	"crypto/sha1"
	"strings"
)

// Canonicalize renders a licence document to the exact byte sequence the
// signer hashed: the Code element emptied, CRLF line endings, two-space
// indentation per nesting level, UTF-8, no XML declaration. The input
// tree is not modified; the work happens on a clone.
func Canonicalize(doc *Node) []byte {
	cp := doc.Clone()
	if code := cp.Find(elemCode); code != nil {
		code.Text = ""
	}
	indent(cp, 0)
	return cp.Serialize()
}

// CanonicalDigest returns the SHA-1 digest of the canonical form.
func CanonicalDigest(doc *Node) [sha1.Size]byte {
	return sha1.Sum(Canonicalize(doc))
}

// indent applies the signer's pretty-printing. Only empty or
// whitespace-only text and tails are rewritten; real character data is
// left untouched.
func indent(n *Node, level int) {
	const newline = "\r\n"
	if len(n.Children) > 0 {
		if strings.TrimSpace(n.Text) == "" {
			n.Text = newline + strings.Repeat("  ", level+1)
		}
		for _, c := range n.Children {
			indent(c, level+1)
		}
		last := n.Children[len(n.Children)-1]
		if strings.TrimSpace(last.Tail) == "" {
			last.Tail = newline + strings.Repeat("  ", max(level-1, 0))
		}
	} else if level > 0 && strings.TrimSpace(n.Tail) == "" {
		n.Tail = newline + strings.Repeat("  ", level)
	}
}
