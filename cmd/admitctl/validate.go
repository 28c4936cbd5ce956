package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keithlinneman/linnemanlabs-admission/internal/admission"
	"github.com/keithlinneman/linnemanlabs-admission/internal/policy"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a policy document",
		Long: `Parse a policy document, merge it over the built-in defaults and build an
admission controller from the result. Exits non-zero on the first document
the gateway would refuse to start with.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, args[0])
		},
	}
}

func runValidate(cmd *cobra.Command, path string) error {
	loaded, err := policy.LoadFile(path)
	if err != nil {
		return err
	}
	ctrl, err := admission.New(loaded.Table.Config())
	if err != nil {
		return fmt.Errorf("policy file %s: %w", path, err)
	}
	ctrl.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: ok\n", path)
	fmt.Fprintf(out, "  sha256:        %s\n", loaded.SHA256)
	fmt.Fprintf(out, "  default class: %s\n", loaded.Table.DefaultClass)
	for _, c := range loaded.Table.Classes() {
		p := loaded.Table.Policies[c]
		if p.Bypass {
			fmt.Fprintf(out, "  %-12s bypass\n", c)
			continue
		}
		fmt.Fprintf(out, "  %-12s %d per %s\n", c, p.BaseQuota, p.Window)
	}
	fmt.Fprintf(out, "  routes:        %d\n", len(loaded.Table.Routes))
	return nil
}
