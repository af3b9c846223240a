//go:build go1.22

package bsonop

import "go/types"

// unalias resolves alias type nodes, which the type checker materializes
// under gotypesalias=1 on Go 1.22 and later.
func unalias(t types.Type) types.Type {
	return types.Unalias(t)
}
