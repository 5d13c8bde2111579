//go:build linux

package cli

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"pathguard.enforcer/internal/kernel"
	"pathguard.enforcer/internal/policy"
)

// loadPinnedPolicy writes a policy file into the table a running enforcer
// pinned under pinDir.
func loadPinnedPolicy(pinDir, file string, log *logrus.Logger) (policy.Result, error) {
	tbl, err := kernel.OpenPolicy(pinDir)
	if err != nil {
		return policy.Result{}, fmt.Errorf("failed to attach to pinned policy table: %w", err)
	}
	defer tbl.Close()
	return policy.NewLoader(tbl, log).LoadFile(file)
}

func dumpPinnedPolicy(w io.Writer, pinDir string) error {
	tbl, err := kernel.OpenPolicy(pinDir)
	if err != nil {
		return fmt.Errorf("failed to attach to pinned policy table: %w", err)
	}
	defer tbl.Close()
	return policy.Dump(w, tbl)
}
