package main

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// setupLogging routes every package logger through an OpenTelemetry log
// provider that exports to stdout
func setupLogging() (func(context.Context) error, error) {
	exporter, err := stdoutlog.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create log exporter: %w", err)
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewSimpleProcessor(exporter)),
	)
	global.SetLoggerProvider(provider)
	return provider.Shutdown, nil
}
