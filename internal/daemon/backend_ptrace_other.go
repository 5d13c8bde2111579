//go:build !(linux && amd64)

package daemon

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"pathguard.enforcer/internal/config"
	"pathguard.enforcer/internal/engine"
)

func newPtraceBackend(*config.Config, engine.Config, []string, *logrus.Logger) (Backend, error) {
	return nil, fmt.Errorf("%s: %w", config.BackendPtrace, ErrUnsupported)
}
