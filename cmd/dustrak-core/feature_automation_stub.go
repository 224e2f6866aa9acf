//go:build no_automation

package main

import (
	"log/slog"

	"dustrak-core/internal/automation"
	"dustrak-core/internal/events"
	"dustrak-core/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ automation.Devices, _ automation.RelaySwitch, _ *events.Bus, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
