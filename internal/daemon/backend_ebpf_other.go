//go:build !linux

package daemon

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"pathguard.enforcer/internal/config"
	"pathguard.enforcer/internal/engine"
)

func newEBPFBackend(*config.Config, engine.Config, *logrus.Logger) (Backend, error) {
	return nil, fmt.Errorf("%s: %w", config.BackendEBPF, ErrUnsupported)
}
