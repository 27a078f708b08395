// Package debug dumps error chains and cell paths for diagnostics,
// walking cube.Error's wrapped-cause chain and formatting CellPath
// coordinates.
package debug

import (
	"errors"
	"fmt"

	"github.com/davecgh/go-spew/spew"
	"github.com/edirooss/cubed/internal/cube"
)

// PrintErrChain walks a cube.Error chain, printing each layer's Kind/Op
// and the wrapped cause's type.
func PrintErrChain(err error) {
	if err == nil {
		fmt.Println("<nil>")
		return
	}

	i := 0
	for e := err; e != nil; e = errors.Unwrap(e) {
		if ce, ok := e.(*cube.Error); ok {
			fmt.Printf("[%d] cube.Error{Kind: %s, Op: %q}\n", i, ce.Kind, ce.Op)
		} else {
			fmt.Printf("[%d] %T: %v\n", i, e, e)
		}
		i++
	}
}

// DumpCellPath spews a cell path's id tuple and classification, for
// attaching to bug reports when a consolidated-read result looks wrong.
func DumpCellPath(p *cube.CellPath) {
	fmt.Printf("kind=%s base=%v ids=", p.Kind(), p.IsBase())
	spew.Dump(p.IDs())
}
