package app

import (
	"time"

	"draftbot/internal/config"
	"draftbot/internal/runtime/supervisor"
)

// ---- Config ----

type Config = config.Config

func parseDurationField(path, raw string) (time.Duration, error) {
	return config.ParseDurationField(path, raw)
}

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return config.ParseDurationOrDefault(path, raw, def)
}

func parseDurationOrOff(path, raw string, def time.Duration) (time.Duration, error) {
	return config.ParseDurationOrOff(path, raw, def)
}

// ---- Runtime ----

type Supervisor = supervisor.Supervisor

var (
	NewSupervisor     = supervisor.New
	WithLogger        = supervisor.WithLogger
	WithCancelOnError = supervisor.WithCancelOnError
)
