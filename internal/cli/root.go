// Package cli implements guardctl, the command-line client of enforcerd.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pathguard.enforcer/internal/config"
	"pathguard.enforcer/internal/policy"
	"pathguard.enforcer/pkg/ipc"
)

const dialTimeout = 5 * time.Second

// Execute is the main entry point for the Cobra CLI.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	v *viper.Viper
}

func (o *options) dial(ctx context.Context) (*ipc.Client, error) {
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	c, err := ipc.Dial(dctx, o.v.GetString("ipc.socket"))
	if err != nil {
		return nil, fmt.Errorf("%w (is enforcerd running?)", err)
	}
	return c, nil
}

// do runs one command on a fresh connection.
func (o *options) do(ctx context.Context, cmd ipc.Command) (*ipc.CommandResponse, error) {
	c, err := o.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	return c.Do(cmd)
}

// NewRootCommand builds the guardctl command tree.
func NewRootCommand() *cobra.Command {
	o := &options{v: viper.New()}
	o.v.SetDefault("ipc.socket", ipc.DefaultSocket)
	o.v.SetEnvPrefix(config.EnvPrefix)
	o.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	o.v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:   "guardctl",
		Short: "Control and inspect a running enforcerd.",
		Long: `guardctl talks to enforcerd over its Unix socket to manage the policy
table, read enforcement counters and follow exec audit events.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("socket", ipc.DefaultSocket, "enforcerd control socket")
	_ = o.v.BindPFlag("ipc.socket", rootCmd.PersistentFlags().Lookup("socket"))

	rootCmd.AddCommand(newPolicyCommand(o), newStatusCommand(o), newEventsCommand(o))
	return rootCmd
}

func newPolicyCommand(o *options) *cobra.Command {
	policyCmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage name:path restrictions.",
	}

	appendCmd := &cobra.Command{
		Use:   "append [file]",
		Short: "Append name:path lines to the daemon's policy buffer (stdin when no file).",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readInput(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			if _, err := o.do(cmd.Context(), ipc.Command{Type: ipc.CmdPolicyAppend, Payload: ipc.PolicyTextPayload{Text: text}}); err != nil {
				return fmt.Errorf("failed to append policy text: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Appended %d bytes to the policy buffer.\n", len(text))
			return nil
		},
	}

	var loadPinned string
	loadCmd := &cobra.Command{
		Use:   "load [file]",
		Short: "Publish the policy buffer, or with --pinned a policy file straight into the pinned table.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if loadPinned != "" {
				if len(args) != 1 {
					return fmt.Errorf("--pinned needs a policy file")
				}
				res, err := loadPinnedPolicy(loadPinned, args[0], quietLogger(cmd.ErrOrStderr()))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Loaded %d entries, skipped %d lines.\n", res.Loaded, res.Skipped)
				return nil
			}
			if len(args) == 1 {
				text, err := readInput(cmd.InOrStdin(), args)
				if err != nil {
					return err
				}
				if _, err := o.do(cmd.Context(), ipc.Command{Type: ipc.CmdPolicyAppend, Payload: ipc.PolicyTextPayload{Text: text}}); err != nil {
					return fmt.Errorf("failed to append policy text: %w", err)
				}
			}
			resp, err := o.do(cmd.Context(), ipc.Command{Type: ipc.CmdPolicyLoad})
			if err != nil {
				return fmt.Errorf("failed to load policy: %w", err)
			}
			res, ok := resp.Payload.(ipc.PolicyLoadResponse)
			if !ok {
				return fmt.Errorf("unexpected response payload %T", resp.Payload)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Loaded %d entries, skipped %d lines.\n", res.Loaded, res.Skipped)
			return nil
		},
	}
	loadCmd.Flags().StringVar(&loadPinned, "pinned", "", "bpffs directory holding the pinned policy table")

	var dumpPinned string
	dumpCmd := &cobra.Command{
		Use:   "dump",
		Short: "List the policy table.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dumpPinned != "" {
				return dumpPinnedPolicy(cmd.OutOrStdout(), dumpPinned)
			}
			resp, err := o.do(cmd.Context(), ipc.Command{Type: ipc.CmdPolicyDump})
			if err != nil {
				return fmt.Errorf("failed to dump policy: %w", err)
			}
			dump, ok := resp.Payload.(ipc.PolicyDumpResponse)
			if !ok {
				return fmt.Errorf("unexpected response payload %T", resp.Payload)
			}
			records := make([]policy.Record, 0, len(dump.Entries))
			for _, e := range dump.Entries {
				records = append(records, policy.Record{Name: e.Name, Path: e.Path})
			}
			return policy.WriteRecords(cmd.OutOrStdout(), records)
		},
	}
	dumpCmd.Flags().StringVar(&dumpPinned, "pinned", "", "bpffs directory holding the pinned policy table")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the raw policy buffer.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := o.do(cmd.Context(), ipc.Command{Type: ipc.CmdPolicyShow})
			if err != nil {
				return fmt.Errorf("failed to read policy buffer: %w", err)
			}
			text, ok := resp.Payload.(ipc.PolicyTextPayload)
			if !ok {
				return fmt.Errorf("unexpected response payload %T", resp.Payload)
			}
			_, err = io.WriteString(cmd.OutOrStdout(), text.Text)
			return err
		},
	}

	policyCmd.AddCommand(appendCmd, loadCmd, dumpCmd, showCmd)
	return policyCmd
}

func newStatusCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show enforcement settings and counters.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := o.do(cmd.Context(), ipc.Command{Type: ipc.CmdStatus})
			if err != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}
			st, ok := resp.Payload.(ipc.StatusResponse)
			if !ok {
				return fmt.Errorf("unexpected response payload %T", resp.Payload)
			}
			return writeStatus(cmd.OutOrStdout(), st)
		},
	}
}

func writeStatus(out io.Writer, st ipc.StatusResponse) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "backend:\t%s\n", st.Backend)
	fmt.Fprintf(w, "uptime:\t%s\n", time.Since(st.StartedAt).Truncate(time.Second))
	fmt.Fprintf(w, "fail mode:\t%s\n", st.FailMode)
	fmt.Fprintf(w, "staging key:\t%s\n", st.StagingKey)
	fmt.Fprintf(w, "max ancestry hops:\t%d\n", st.MaxAncestryHops)
	fmt.Fprintf(w, "policy entries:\t%d\n", st.PolicyEntries)
	fmt.Fprintf(w, "policy lines:\t%d loaded, %d skipped\n", st.PolicyLoaded, st.PolicySkipped)
	fmt.Fprintf(w, "policy buffer:\t%d/%d bytes\n", st.BufferUsed, st.BufferLimit)
	fmt.Fprintf(w, "staged opens:\t%d\n", st.Staged)
	fmt.Fprintf(w, "user read failures:\t%d\n", st.UserReadFailures)
	fmt.Fprintf(w, "exec events:\t%d received, %d lost, %d dropped\n", st.ExecReceived, st.ExecLost, st.ExecDropped)
	for _, d := range st.Decisions {
		if d.Count == 0 {
			continue
		}
		fmt.Fprintf(w, "%s/%s:\t%d\n", d.Action, d.Reason, d.Count)
	}
	return w.Flush()
}

func newEventsCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Follow exec audit events until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			out := cmd.OutOrStdout()
			return c.StreamExec(cmd.Context(), func(ev ipc.ExecEventPayload) error {
				_, err := fmt.Fprintf(out, "pid=%d ppid=%d uid=%d gid=%d comm=%s file=%s argv=%q\n",
					ev.Pid, ev.Ppid, ev.Uid, ev.Gid, ev.Comm, ev.Filename, ev.Argv)
				return err
			})
		},
	}
}

func readInput(stdin io.Reader, args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		b, err := io.ReadAll(stdin)
		return string(b), err
	}
	b, err := os.ReadFile(args[0])
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", args[0], err)
	}
	return string(b), nil
}

func quietLogger(w io.Writer) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(w)
	log.SetLevel(logrus.WarnLevel)
	return log
}
