// Package corelog wires an optional zap logger into the loader. Silent by
// default, matching wippyai-wasm-runtime/engine/logger.go's sync.Once
// no-op pattern.
package corelog

import (
	"sync"

	"go.uber.org/zap"
)

var (
	logger     *zap.Logger
	loggerOnce sync.Once
	mu         sync.RWMutex
)

// Logger returns the package-level logger, defaulting to a no-op logger.
func Logger() *zap.Logger {
	loggerOnce.Do(func() {
		mu.Lock()
		if logger == nil {
			logger = zap.NewNop()
		}
		mu.Unlock()
	})
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// SetLogger installs l as the package-level logger. Hosts call this once
// at startup; tests call it to capture log output.
func SetLogger(l *zap.Logger) {
	loggerOnce.Do(func() {}) // ensure the default never overwrites an explicit SetLogger race
	mu.Lock()
	defer mu.Unlock()
	logger = l
}
