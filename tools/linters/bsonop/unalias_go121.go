//go:build !go1.22

package bsonop

import "go/types"

// unalias is the identity before Go 1.22: the type checker resolved aliases
// eagerly, so alias type nodes never appear and types.Unalias does not exist.
func unalias(t types.Type) types.Type {
	return t
}
