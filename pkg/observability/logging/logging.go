package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Init installs the global logger used by the mesh stack packages.
func Init(debug bool) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}

	l, err := cfg.Build()
	if err != nil {
		panic(err)
	}

	zap.ReplaceGlobals(l)
}
