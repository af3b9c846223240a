package main

import (
	"github.com/rezkam/monque/tools/linters/bsonop"
	"golang.org/x/tools/go/analysis/singlechecker"
)

func main() {
	singlechecker.Main(bsonop.Analyzer)
}
