package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/cobra"

	"github.com/serverledge-faas/offloadge/internal/client"
	"github.com/serverledge-faas/offloadge/internal/decision"
	"github.com/serverledge-faas/offloadge/internal/demo"
	"github.com/serverledge-faas/offloadge/internal/dispatcher"
	"github.com/serverledge-faas/offloadge/internal/registry"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Runs a method of the demo application",
	Long: `Runs a method of the demo application, locally or on the clone.
Methods: hello, sum <a> <b>, queens <n>, checksum <text>.`,
	Args: cobra.MinimumNArgs(1),
	Run:  runDemo,
}

var choice, libsDir string
var repeat, helpers int
var offline bool

func initDemoFlags() {
	demoCmd.Flags().StringVarP(&choice, "choice", "x", "", "execution location: LOCAL, REMOTE or DYNAMIC")
	demoCmd.Flags().IntVarP(&repeat, "repeat", "n", 1, "number of calls")
	demoCmd.Flags().IntVarP(&helpers, "helpers", "", 1, "clones cooperating on each call")
	demoCmd.Flags().StringVarP(&libsDir, "libs", "l", "", "directory of native libraries shipped with the package")
	demoCmd.Flags().BoolVarP(&offline, "offline", "", false, "do not connect to a clone")
}

// demoCall maps the command line arguments to a call of a demo method.
func demoCall(args []string) (dispatcher.Call, error) {
	method, params := args[0], args[1:]
	switch method {
	case "hello":
		return dispatcher.NewCall(&demo.HelloWorld{}, "Hello", nil)
	case "sum":
		if len(params) != 2 {
			return dispatcher.Call{}, fmt.Errorf("sum expects 2 integers")
		}
		a, err := cast.ToIntE(params[0])
		if err != nil {
			return dispatcher.Call{}, err
		}
		b, err := cast.ToIntE(params[1])
		if err != nil {
			return dispatcher.Call{}, err
		}
		return dispatcher.NewCall(&demo.Calculator{}, "Sum", []string{"int", "int"}, a, b)
	case "queens":
		n := 8
		if len(params) > 0 {
			var err error
			if n, err = cast.ToIntE(params[0]); err != nil {
				return dispatcher.Call{}, err
			}
		}
		return dispatcher.NewCall(&demo.NQueens{N: n}, "Solve", nil)
	case "checksum":
		if len(params) != 1 {
			return dispatcher.Call{}, fmt.Errorf("checksum expects the text to hash")
		}
		return dispatcher.NewCall(&demo.Checksum{}, "Compute", []string{"string"}, params[0])
	default:
		return dispatcher.Call{}, fmt.Errorf("unknown demo method: %s", method)
	}
}

func runDemo(cmd *cobra.Command, args []string) {
	call, err := demoCall(args)
	exitOnErr("Invalid call", err)

	opts, release, err := clientOptions()
	exitOnErr("Invalid configuration", err)
	defer release()
	if choice != "" {
		opts.Choice, err = decision.ParseChoice(choice)
		exitOnErr("Invalid choice", err)
	}
	opts.AppName = demo.AppName
	opts.HelperCount = helpers
	if offline {
		opts.AppPackage = ""
	} else if opts.AppPackage == "" {
		opts.AppPackage = filepath.Join(opts.DataDir, "demo.tar")
		exitOnErr("Could not build the demo package", demo.WritePackage(libsDir, opts.AppPackage))
	}

	methods := registry.New()
	exitOnErr("Could not register the demo", demo.Register(methods))
	rt, err := client.NewRuntime(opts, methods)
	exitOnErr("Could not create the runtime", err)

	ctx := context.Background()
	exitOnErr("Could not start the runtime", rt.Start(ctx))
	defer rt.Close()

	for i := 0; i < repeat; i++ {
		res := rt.Execute(ctx, call)
		if res.Err != nil {
			fmt.Printf("Call %d failed: %v\n", i+1, res.Err)
			continue
		}
		var value any
		if err := res.Decode(&value); err != nil {
			fmt.Printf("Call %d returned an undecodable value: %v\n", i+1, err)
			continue
		}
		fmt.Printf("%v\t%s\t%v\n", value, res.Location, res.Duration.Round(time.Microsecond))
	}
}
