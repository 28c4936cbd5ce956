// Command admitctl validates admission policy files, prints the built-in
// defaults and replays request sequences against a controller on a fake
// clock.
//
// Usage:
//
//	admitctl validate policy.yaml
//	admitctl defaults > policy.yaml
//	admitctl simulate --class auth --requests 12 --interval 10s
//	admitctl version
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
