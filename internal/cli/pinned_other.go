//go:build !linux

package cli

import (
	"errors"
	"io"

	"github.com/sirupsen/logrus"
	"pathguard.enforcer/internal/policy"
)

var errNoBPF = errors.New("pinned BPF maps are only available on linux")

func loadPinnedPolicy(string, string, *logrus.Logger) (policy.Result, error) {
	return policy.Result{}, errNoBPF
}

func dumpPinnedPolicy(io.Writer, string) error { return errNoBPF }
