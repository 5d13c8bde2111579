package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"pathguard.enforcer/internal/config"
	"pathguard.enforcer/internal/daemon"
)

func main() {
	os.Exit(execute())
}

func execute() int {
	v := config.New()
	var (
		configPath string
		exitCode   int
	)

	rootCmd := &cobra.Command{
		Use:   "enforcerd [flags] [-- command [args...]]",
		Short: "Per-process file access enforcement and exec auditing.",
		Long: `enforcerd denies openat calls of processes whose name, or the name of
an ancestor, is restricted from the requested path, and publishes an audit
event for every execve.

With the ebpf backend it enforces system-wide. With the ptrace backend it runs
the given command and enforces for that command and its descendants.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			explicit := cmd.Flags().Changed("config")
			cfg, err := config.Load(v, configPath, explicit)
			if err != nil {
				return err
			}

			log := logrus.New()
			log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
			log.SetLevel(cfg.LogLevel())

			backend, err := daemon.NewBackend(cfg, args, log)
			if err != nil {
				return fmt.Errorf("starting %s backend: %w", cfg.Backend, err)
			}
			d, err := daemon.New(cfg, backend, log)
			if err != nil {
				backend.Close()
				return err
			}
			defer d.Close()

			log.WithField("backend", cfg.Backend).Info("Starting enforcer daemon...")
			if err := d.Serve(cmd.Context()); err != nil {
				return err
			}
			exitCode = d.ExitCode()
			log.Info("Shutdown complete.")
			return nil
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&configPath, "config", config.DefaultConfigPath, "config file")
	flags.String("backend", config.BackendEBPF, "interception backend: ebpf or ptrace")
	flags.String("log-level", "info", "log level")
	flags.String("socket", "", "control socket path")
	flags.String("policy", "", "policy file to load and watch")
	flags.String("fail-mode", "", "open or closed")
	flags.String("metrics-listen", "", "address for /metrics, empty disables it")
	for key, flag := range map[string]string{
		"backend":          "backend",
		"log.level":        "log-level",
		"ipc.socket":       "socket",
		"policy.file":      "policy",
		"engine.fail_mode": "fail-mode",
		"metrics.listen":   "metrics-listen",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return exitCode
}
