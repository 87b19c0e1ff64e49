// Package demo contains the sample application used by offloadctl and the
// integration tests. The clone binary carries it as a built-in app.
package demo

import (
	"fmt"
	"hash/crc32"
	"os"

	"github.com/serverledge-faas/offloadge/internal/registry"
)

// AppName is the identity the demo registers with the clone.
const AppName = "demo"

const (
	helloType      = "demo.HelloWorld"
	calculatorType = "demo.Calculator"
	queensType     = "demo.NQueens"
	checksumType   = "demo.Checksum"
)

type HelloWorld struct {
	Greeted int `json:"greeted"`
}

func (h *HelloWorld) TypeID() string { return helloType }

// Calculator keeps the last result, so offloaded calls also move state.
type Calculator struct {
	Last int `json:"last"`
}

func (c *Calculator) TypeID() string { return calculatorType }

// NQueens counts the solutions of the N-queens puzzle. The columns of the
// first row are split among the clones cooperating on the call.
type NQueens struct {
	N int `json:"n"`
}

func (q *NQueens) TypeID() string { return queensType }

// Checksum needs a native library when it runs on a clone.
type Checksum struct {
	Loaded []string `json:"loaded,omitempty"`
}

func (c *Checksum) TypeID() string { return checksumType }

// LoadLibraries checks that every shipped library is readable.
func (c *Checksum) LoadLibraries(paths []string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return err
		}
	}
	c.Loaded = append([]string{}, paths...)
	return nil
}

func hello(ctx *registry.ExecContext, h *HelloWorld) (string, error) {
	h.Greeted++
	where := "locally"
	if ctx.OnServer {
		where = "on the clone"
	}
	return fmt.Sprintf("Hello World from %s (%d)", where, h.Greeted), nil
}

func sum(ctx *registry.ExecContext, c *Calculator, a int, b int) (int, error) {
	c.Last = a + b
	return c.Last, nil
}

func solveQueens(ctx *registry.ExecContext, q *NQueens) (int, error) {
	if q.N <= 0 {
		return 0, fmt.Errorf("invalid board size %d", q.N)
	}
	first := q.N * ctx.HelperID / ctx.HelperCount
	last := q.N * (ctx.HelperID + 1) / ctx.HelperCount

	solutions := 0
	for col := first; col < last; col++ {
		cols := []int{col}
		solutions += placeQueens(q.N, cols)
	}
	return solutions, nil
}

func placeQueens(n int, cols []int) int {
	row := len(cols)
	if row == n {
		return 1
	}
	count := 0
	for col := 0; col < n; col++ {
		if safe(cols, row, col) {
			count += placeQueens(n, append(cols, col))
		}
	}
	return count
}

func safe(cols []int, row int, col int) bool {
	for r, c := range cols {
		if c == col || row-r == col-c || row-r == c-col {
			return false
		}
	}
	return true
}

func reduceQueens(ctx *registry.ExecContext, q *NQueens, parts []int) (int, error) {
	total := 0
	for _, p := range parts {
		total += p
	}
	return total, nil
}

func checksum(ctx *registry.ExecContext, c *Checksum, data string) (uint32, error) {
	if ctx.OnServer && len(ctx.Libraries) > 0 && len(c.Loaded) == 0 {
		return 0, registry.ErrUnsatisfiedLink
	}
	return crc32.ChecksumIEEE([]byte(data)), nil
}

// Register adds the demo types and methods to r.
func Register(r *registry.Registry) error {
	r.RegisterType(helloType, func() any { return &HelloWorld{} })
	r.RegisterType(calculatorType, func() any { return &Calculator{} })
	r.RegisterType(queensType, func() any { return &NQueens{} })
	r.RegisterType(checksumType, func() any { return &Checksum{} })

	errs := []error{
		r.Register(helloType, "Hello", nil, "string", registry.Func0(hello)),
		r.Register(calculatorType, "Sum", []string{"int", "int"}, "int", registry.Func2(sum)),
		r.Register(queensType, "Solve", nil, "int", registry.Func0(solveQueens)),
		r.RegisterReducer(queensType, "Solve", "int", registry.Func1(reduceQueens)),
		r.Register(checksumType, "Compute", []string{"string"}, "uint32", registry.Func1(checksum)),
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
