// Command split-trader runs the split-account leader/follower trader.
package main

import (
	"fmt"
	"os"

	"split-trader/internal/cli"
)

func main() {
	app := &cli.App{}
	err := cli.NewRootCmd(app).Execute()
	if cerr := app.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
