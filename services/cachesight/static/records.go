// Copyright (C) 2025 CacheSight Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package static

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/milhud/cachesight/services/cachesight"
)

const pointerSize = 8

// visitStruct computes the layout of a complete named struct definition.
// Offsets follow the usual C model: each field is aligned to its natural
// alignment and the total is rounded up to the widest alignment. A packed
// attribute drops all alignment to one byte.
func (w *walker) visitStruct(node *sitter.Node) {
	nameNode := node.ChildByFieldName("name")
	body := node.ChildByFieldName("body")
	if nameNode == nil || body == nil {
		return
	}

	rec := cachesight.RecordLayout{
		Name:     nameNode.Content(w.src),
		Location: w.locationOf(node),
		IsPacked: hasPackedAttribute(node, w.src),
	}

	var offset, maxAlign uint64 = 0, 1
	for i := 0; i < int(body.NamedChildCount()); i++ {
		decl := body.NamedChild(i)
		if decl.Type() != "field_declaration" {
			continue
		}

		baseSize, baseAlign := cTypeSize(typeContent(decl.ChildByFieldName("type"), w.src))

		for j := 0; j < int(decl.NamedChildCount()); j++ {
			d := decl.NamedChild(j)
			if !isDeclarator(d.Type()) {
				continue
			}

			name, size, align, isPtr := w.fieldLayout(d, baseSize, baseAlign)
			if name == "" {
				continue
			}
			if rec.IsPacked {
				align = 1
			}
			if align > maxAlign {
				maxAlign = align
			}

			offset = alignUp(offset, align)
			rec.Fields = append(rec.Fields, cachesight.RecordField{
				Name:   name,
				Offset: offset,
				Size:   size,
			})
			offset += size
			rec.HasPointerFields = rec.HasPointerFields || isPtr
		}
	}
	if len(rec.Fields) == 0 {
		return
	}

	rec.TotalSize = alignUp(offset, maxAlign)
	w.results.Records = append(w.results.Records, rec)
}

// isDeclarator distinguishes declarator children of a field_declaration
// from its type specifier.
func isDeclarator(nodeType string) bool {
	switch nodeType {
	case "field_identifier", "pointer_declarator", "array_declarator":
		return true
	}
	return false
}

// fieldLayout resolves one declarator to a field name, size, and alignment.
func (w *walker) fieldLayout(d *sitter.Node, baseSize, baseAlign uint64) (name string, size, align uint64, isPtr bool) {
	size, align = baseSize, baseAlign

	for d != nil {
		switch d.Type() {
		case "field_identifier", "identifier":
			return d.Content(w.src), size, align, isPtr

		case "pointer_declarator":
			size, align = pointerSize, pointerSize
			isPtr = true
			d = d.ChildByFieldName("declarator")

		case "array_declarator":
			if n, ok := literalValue(d.ChildByFieldName("size"), w.src); ok && n > 0 {
				size *= uint64(n)
			}
			d = d.ChildByFieldName("declarator")

		default:
			return "", 0, 0, false
		}
	}
	return "", 0, 0, false
}

// cTypeSize maps a C primitive type spelling to its common LP64 size and
// natural alignment. Unknown types fall back to pointer width.
func cTypeSize(spelling string) (size, align uint64) {
	switch strings.Join(strings.Fields(spelling), " ") {
	case "char", "signed char", "unsigned char", "_Bool", "bool",
		"int8_t", "uint8_t":
		return 1, 1
	case "short", "short int", "unsigned short", "unsigned short int",
		"int16_t", "uint16_t":
		return 2, 2
	case "int", "unsigned", "unsigned int", "float",
		"int32_t", "uint32_t":
		return 4, 4
	case "long", "long int", "unsigned long", "unsigned long int",
		"long long", "long long int", "unsigned long long",
		"double", "size_t", "ssize_t", "ptrdiff_t",
		"intptr_t", "uintptr_t", "int64_t", "uint64_t":
		return 8, 8
	case "long double":
		return 16, 16
	default:
		return pointerSize, pointerSize
	}
}

func typeContent(node *sitter.Node, src []byte) string {
	if node == nil {
		return ""
	}
	return node.Content(src)
}

// hasPackedAttribute checks the struct and its enclosing declaration for a
// packed attribute specifier.
func hasPackedAttribute(node *sitter.Node, src []byte) bool {
	if attributeMentionsPacked(node, src) {
		return true
	}
	if parent := node.Parent(); parent != nil {
		return attributeMentionsPacked(parent, src)
	}
	return false
}

func attributeMentionsPacked(node *sitter.Node, src []byte) bool {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		switch child.Type() {
		case "attribute_specifier", "attribute_declaration", "ms_declspec_modifier":
			if strings.Contains(child.Content(src), "packed") {
				return true
			}
		}
	}
	return false
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	rem := v % align
	if rem == 0 {
		return v
	}
	return v + align - rem
}
