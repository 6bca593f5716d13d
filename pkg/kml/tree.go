package kml

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

var errEmptyDocument = errors.New("document has no root element")

// node is a minimal element tree. Only element names, text and children are
// kept; attributes carry nothing the extractors need.
type node struct {
	name     xml.Name
	text     []byte
	children []*node
}

func (n *node) Text() string {
	return strings.TrimSpace(string(n.text))
}

// first returns the first direct child accepted by match.
func (n *node) first(match func(xml.Name) bool) *node {
	for _, c := range n.children {
		if match(c.name) {
			return c
		}
	}
	return nil
}

// all returns every direct child accepted by match.
func (n *node) all(match func(xml.Name) bool) []*node {
	var out []*node
	for _, c := range n.children {
		if match(c.name) {
			out = append(out, c)
		}
	}
	return out
}

// walk visits descendants in document order. Returning false from visit
// skips the subtree of that node.
func (n *node) walk(visit func(*node) bool) {
	for _, c := range n.children {
		if visit(c) {
			c.walk(visit)
		}
	}
}

func newDecoder(r io.Reader) *xml.Decoder {
	dec := xml.NewDecoder(r)
	dec.CharsetReader = charsetReader
	return dec
}

// buildTree decodes a whole document and returns its root element.
func buildTree(data []byte) (*node, error) {
	dec := newDecoder(bytes.NewReader(data))

	doc := &node{}
	stack := []*node{doc}
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode xml: %w", err)
		}

		top := stack[len(stack)-1]
		switch t := tok.(type) {
		case xml.StartElement:
			n := &node{name: t.Name}
			top.children = append(top.children, n)
			stack = append(stack, n)
		case xml.EndElement:
			stack = stack[:len(stack)-1]
		case xml.CharData:
			top.text = append(top.text, t...)
		}
	}

	if len(doc.children) == 0 {
		return nil, errEmptyDocument
	}
	return doc.children[0], nil
}

// rootName returns the name of the first element without decoding the rest
// of the document.
func rootName(data []byte) (xml.Name, error) {
	dec := newDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return xml.Name{}, errEmptyDocument
		}
		if err != nil {
			return xml.Name{}, fmt.Errorf("failed to decode xml: %w", err)
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name, nil
		}
	}
}

// charsetReader accepts the single-byte encodings older exporters declare.
func charsetReader(label string, input io.Reader) (io.Reader, error) {
	switch strings.ToLower(label) {
	case "utf-8", "utf8", "us-ascii", "ascii":
		return input, nil
	case "iso-8859-1", "latin1", "latin-1", "windows-1252", "cp1252":
		raw, err := io.ReadAll(input)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 0, len(raw)+len(raw)/8)
		for _, b := range raw {
			buf = utf8.AppendRune(buf, rune(b))
		}
		return bytes.NewReader(buf), nil
	default:
		return nil, fmt.Errorf("unsupported charset %q", label)
	}
}
