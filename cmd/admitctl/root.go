package main

import (
	"github.com/spf13/cobra"

	"github.com/keithlinneman/linnemanlabs-admission/internal/version"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "admitctl",
		Short: "Inspect and exercise admission policies",
		Long: `admitctl works with the YAML policy documents read by the admission gateway.

It checks a document the same way the gateway does at startup, prints the
built-in policy table, and simulates a burst of requests from one identity
so quota, penalty and abuse settings can be tried before rollout.`,
		Version:       version.Get().Short(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newValidateCmd(),
		newDefaultsCmd(),
		newSimulateCmd(),
		newVersionCmd(),
	)
	return root
}
