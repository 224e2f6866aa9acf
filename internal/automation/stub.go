//go:build no_automation

package automation

import (
	"context"
	"errors"
	"log/slog"

	"dustrak-core/internal/events"
	"dustrak-core/internal/store"
)

var errDisabled = errors.New("automation disabled")

// ErrInvalidScriptID is returned for IDs that are not plain file names.
var ErrInvalidScriptID = errors.New("invalid script id")

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// Devices is the registry view exposed to scripts.
type Devices interface {
	GetDevice(ctx context.Context, id int64) (*store.Device, error)
	ListDevices(ctx context.Context) ([]*store.Device, error)
	CurrentThresholds(ctx context.Context, deviceID int64) (*store.ThresholdSet, error)
}

// RelaySwitch switches a device relay.
type RelaySwitch interface {
	SetRelay(ctx context.Context, dev *store.Device, state string) error
}

// TelegramConfig holds Telegram bot settings (stub).
type TelegramConfig struct {
	BotToken string   `yaml:"bot_token"`
	ChatIDs  []string `yaml:"chat_ids"`
	APIBase  string   `yaml:"api_base"`
}

// Manager is a no-op stub when automation is disabled.
type Manager struct{}

// NewManager returns a no-op manager.
func NewManager(_ string, _ *slog.Logger) (*Manager, error) { return &Manager{}, nil }

func (m *Manager) List() ([]*Script, error)        { return nil, nil }
func (m *Manager) Get(_ string) (*Script, error)   { return nil, errDisabled }
func (m *Manager) Save(_ *Script) (*Script, error) { return nil, errDisabled }
func (m *Manager) Delete(_ string) error           { return errDisabled }

// Engine is a no-op stub when automation is disabled.
type Engine struct{}

// NewEngine returns a no-op engine.
func NewEngine(_ *events.Bus, _ Devices, _ RelaySwitch, _ *Manager, _ *slog.Logger, _ TelegramConfig) *Engine {
	return &Engine{}
}

func (e *Engine) Start()                      {}
func (e *Engine) Stop()                       {}
func (e *Engine) Running() int                { return 0 }
func (e *Engine) ReloadScript(_ string) error { return nil }
func (e *Engine) StopScript(_ string)         {}

func (e *Engine) RunScript(_ string) *RunResult {
	return &RunResult{Error: errDisabled.Error()}
}

func (e *Engine) RunLuaCode(_ string) *RunResult {
	return &RunResult{Error: errDisabled.Error()}
}
