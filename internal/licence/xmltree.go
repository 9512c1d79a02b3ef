package licence

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// Node is a mutable XML element tree compatible with the serialisation
// the licence signer hashes: text is the character data between an
// element's start tag and its first child, tail is the character data
// after its end tag. Empty elements serialise self-closed, and only
// '&', '<' and '>' are escaped in character data. encoding/xml cannot
// produce these bytes (it escapes quotes and CR/LF as references), so
// the writer is hand-rolled.
type Node struct {
	Tag      string
	Attr     []xml.Attr
	Text     string
	Tail     string
	Children []*Node
}

// ParseDocument decodes an XML document into a Node tree rooted at the
// document element.
func ParseDocument(r io.Reader) (*Node, error) {
	dec := xml.NewDecoder(r)
	var root *Node
	var stack []*Node

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n := &Node{Tag: t.Name.Local}
			if len(t.Attr) > 0 {
				n.Attr = append([]xml.Attr(nil), t.Attr...)
			}
			if len(stack) == 0 {
				if root != nil {
					return nil, fmt.Errorf("multiple root elements")
				}
				root = n
			} else {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, n)
			}
			stack = append(stack, n)
		case xml.EndElement:
			if len(stack) == 0 {
				return nil, fmt.Errorf("unbalanced end element %q", t.Name.Local)
			}
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) == 0 {
				continue // whitespace outside the root
			}
			cur := stack[len(stack)-1]
			if len(cur.Children) > 0 {
				cur.Children[len(cur.Children)-1].Tail += string(t)
			} else {
				cur.Text += string(t)
			}
		}
	}
	if root == nil {
		return nil, fmt.Errorf("empty document")
	}
	if len(stack) != 0 {
		return nil, fmt.Errorf("unterminated element %q", stack[len(stack)-1].Tag)
	}
	return root, nil
}

// Find returns the first direct child with the given tag, or nil.
func (n *Node) Find(tag string) *Node {
	for _, c := range n.Children {
		if c.Tag == tag {
			return c
		}
	}
	return nil
}

// FindText returns the text of the first direct child with the given
// tag, or "" when the child is absent or empty.
func (n *Node) FindText(tag string) string {
	if c := n.Find(tag); c != nil {
		return c.Text
	}
	return ""
}

// Clone returns a deep copy of the subtree.
func (n *Node) Clone() *Node {
	cp := &Node{Tag: n.Tag, Text: n.Text, Tail: n.Tail}
	if len(n.Attr) > 0 {
		cp.Attr = append([]xml.Attr(nil), n.Attr...)
	}
	for _, c := range n.Children {
		cp.Children = append(cp.Children, c.Clone())
	}
	return cp
}

// Serialize renders the tree to UTF-8 XML without a declaration.
func (n *Node) Serialize() []byte {
	var buf bytes.Buffer
	n.write(&buf)
	return buf.Bytes()
}

func (n *Node) write(buf *bytes.Buffer) {
	buf.WriteByte('<')
	buf.WriteString(n.Tag)
	for _, a := range n.Attr {
		buf.WriteByte(' ')
		buf.WriteString(a.Name.Local)
		buf.WriteString(`="`)
		buf.WriteString(escapeAttr(a.Value))
		buf.WriteByte('"')
	}
	if n.Text == "" && len(n.Children) == 0 {
		buf.WriteString(" />")
	} else {
		buf.WriteByte('>')
		buf.WriteString(escapeText(n.Text))
		for _, c := range n.Children {
			c.write(buf)
			buf.WriteString(escapeText(c.Tail))
		}
		buf.WriteString("</")
		buf.WriteString(n.Tag)
		buf.WriteByte('>')
	}
}

var (
	textEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	attrEscaper = strings.NewReplacer(
		"&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;",
		"\r", "&#13;", "\n", "&#10;", "\t", "&#09;",
	)
)

func escapeText(s string) string { return textEscaper.Replace(s) }

func escapeAttr(s string) string { return attrEscaper.Replace(s) }
