package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/keithlinneman/linnemanlabs-admission/internal/admission"
	"github.com/keithlinneman/linnemanlabs-admission/internal/log"
	"github.com/keithlinneman/linnemanlabs-admission/internal/policy"
)

type simulateOptions struct {
	policyFile    string
	class         string
	identity      string
	requests      int
	interval      time.Duration
	authenticated bool
	endpoints     int
	format        string
}

// simStep is one simulated request and the decision it received.
type simStep struct {
	N          int               `json:"n"`
	Offset     time.Duration     `json:"offset_ns"`
	Outcome    admission.Outcome `json:"outcome"`
	Code       string            `json:"code,omitempty"`
	Remaining  int               `json:"remaining"`
	RetryAfter int               `json:"retry_after_seconds,omitempty"`
	Violations int               `json:"violation_count,omitempty"`
	Reason     string            `json:"reason,omitempty"`
}

type simResult struct {
	Class    admission.Class           `json:"class"`
	Identity string                    `json:"identity"`
	Steps    []simStep                 `json:"steps"`
	Totals   map[admission.Outcome]int `json:"totals"`
	Final    admission.Snapshot        `json:"final"`
}

func newSimulateCmd() *cobra.Command {
	o := simulateOptions{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Replay requests from one identity on a fake clock",
		Long: `Send --requests requests from a single identity, --interval apart, through an
in-process admission controller driven by a fake clock, and print the decision
for each. Windows, penalty decay and abuse heuristics all see simulated time,
so an hour of traffic replays instantly.

Examples:
  # five failed logins a second apart
  admitctl simulate --class auth --requests 8 --interval 1s

  # an authenticated caller against a custom document
  admitctl simulate --policy policy.yaml --class search --authenticated --requests 400`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := runSimulate(cmd.Context(), o)
			if err != nil {
				return err
			}
			if o.format == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			return printSimulation(cmd.OutOrStdout(), res)
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.policyFile, "policy", "", "policy file, empty uses built-in policies")
	f.StringVar(&o.class, "class", "general", "route class to send requests to")
	f.StringVar(&o.identity, "identity", "", "caller identity (default sub:sim or ip:192.0.2.10)")
	f.IntVar(&o.requests, "requests", 10, "number of requests")
	f.DurationVar(&o.interval, "interval", time.Second, "simulated time between requests")
	f.BoolVar(&o.authenticated, "authenticated", false, "treat the caller as an authenticated subject")
	f.IntVar(&o.endpoints, "endpoints", 1, "number of distinct endpoints to cycle through")
	f.StringVar(&o.format, "format", "text", "output format: text, json")
	return cmd
}

func (o simulateOptions) validate() error {
	if o.requests < 1 {
		return fmt.Errorf("--requests must be >= 1 (got %d)", o.requests)
	}
	if o.interval < 0 {
		return fmt.Errorf("--interval must be >= 0 (got %s)", o.interval)
	}
	if o.endpoints < 1 {
		return fmt.Errorf("--endpoints must be >= 1 (got %d)", o.endpoints)
	}
	if o.format != "text" && o.format != "json" {
		return fmt.Errorf("--format must be text or json (got %q)", o.format)
	}
	return nil
}

func runSimulate(ctx context.Context, o simulateOptions) (*simResult, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	loaded, err := loadForSimulation(o.policyFile)
	if err != nil {
		return nil, err
	}
	class := admission.Class(o.class)
	if _, ok := loaded.Table.Policies[class]; !ok {
		return nil, fmt.Errorf("unknown class %q (have %v)", o.class, loaded.Table.Classes())
	}

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)

	cfg := loaded.Table.Config()
	cfg.Clock = clock
	cfg.Logger = log.Nop()
	ctrl, err := admission.New(cfg)
	if err != nil {
		return nil, err
	}
	defer ctrl.Close()

	identity := o.identity
	if identity == "" {
		identity = "ip:192.0.2.10"
		if o.authenticated {
			identity = "sub:sim"
		}
	}

	res := &simResult{
		Class:    class,
		Identity: identity,
		Steps:    make([]simStep, 0, o.requests),
		Totals:   make(map[admission.Outcome]int),
	}
	for i := 0; i < o.requests; i++ {
		if i > 0 {
			clock.Advance(o.interval)
		}
		d := ctrl.Check(ctx, admission.Request{
			Identity:        identity,
			Authenticated:   o.authenticated,
			Class:           class,
			Endpoint:        fmt.Sprintf("/sim/%d", i%o.endpoints),
			ClientSignature: "admitctl",
		})
		res.Totals[d.Outcome]++
		res.Steps = append(res.Steps, simStep{
			N:          i + 1,
			Offset:     clock.Since(start),
			Outcome:    d.Outcome,
			Code:       d.Code,
			Remaining:  d.Remaining,
			RetryAfter: d.RetryAfterSeconds,
			Violations: d.ViolationCount,
			Reason:     d.Reason,
		})
	}
	res.Final = ctrl.Inspect(identity)
	return res, nil
}

func loadForSimulation(path string) (*policy.Loaded, error) {
	if path == "" {
		return policy.Builtin()
	}
	return policy.LoadFile(path)
}

func printSimulation(w io.Writer, res *simResult) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "#\tt\toutcome\tremaining\tretry\tviolations\tcode\n")
	for _, s := range res.Steps {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%d\t%s\n",
			s.N, s.Offset, s.Outcome, s.Remaining, s.RetryAfter, s.Violations, s.Code)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%s %s: accept=%d throttle=%d block=%d\n",
		res.Class, res.Identity,
		res.Totals[admission.OutcomeAccept],
		res.Totals[admission.OutcomeThrottle],
		res.Totals[admission.OutcomeBlock],
	)
	return nil
}
