// Package bson mirrors the document types of the real driver just closely
// enough for the analyzer tests to type-check against them.
package bson

type M map[string]any

type D []E

type E struct {
	Key   string
	Value any
}

type A []any
