package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"rewardkit/core"
)

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	var errs []string

	if s.Address == "" {
		errs = append(errs, "address cannot be empty")
	}

	if s.ReadTimeout <= 0 {
		errs = append(errs, "read_timeout must be positive")
	}

	if s.WriteTimeout <= 0 {
		errs = append(errs, "write_timeout must be positive")
	}

	if s.IdleTimeout <= 0 {
		errs = append(errs, "idle_timeout must be positive")
	}

	if s.ReadHeaderTimeout <= 0 {
		errs = append(errs, "read_header_timeout must be positive")
	}

	if s.ShutdownTimeout <= 0 {
		errs = append(errs, "shutdown_timeout must be positive")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

// Validate validates storage configuration
func (s *StorageConfig) Validate() error {
	var errs []string

	validAdapters := []string{"memory", "redis", "sql", "file"}
	isValidAdapter := false
	for _, adapter := range validAdapters {
		if s.Adapter == adapter {
			isValidAdapter = true
			break
		}
	}

	if !isValidAdapter {
		errs = append(errs, fmt.Sprintf("adapter must be one of: %s", strings.Join(validAdapters, ", ")))
	}

	// Validate adapter-specific configs
	switch s.Adapter {
	case "redis":
		if strings.TrimSpace(s.Redis.Addr) == "" {
			errs = append(errs, "redis config: addr cannot be empty")
		}
	case "sql":
		if err := s.SQL.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("sql config: %v", err))
		}
	case "file":
		if err := s.File.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("file config: %v", err))
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

// Validate validates file storage configuration
func (f *FileConfig) Validate() error {
	if f.Path == "" {
		return errors.New("path cannot be empty")
	}
	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	var errs []string

	validLevels := []string{"debug", "info", "warn", "error"}
	isValidLevel := false
	for _, level := range validLevels {
		if l.Level == level {
			isValidLevel = true
			break
		}
	}

	if !isValidLevel {
		errs = append(errs, fmt.Sprintf("level must be one of: %s", strings.Join(validLevels, ", ")))
	}

	validFormats := []string{"json", "text"}
	isValidFormat := false
	for _, format := range validFormats {
		if l.Format == format {
			isValidFormat = true
			break
		}
	}

	if !isValidFormat {
		errs = append(errs, fmt.Sprintf("format must be one of: %s", strings.Join(validFormats, ", ")))
	}

	// anything other than stdout or stderr is a file path
	if strings.TrimSpace(l.Output) == "" {
		errs = append(errs, "output cannot be empty")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

// Validate validates metrics configuration
func (m *MetricsConfig) Validate() error {
	var errs []string

	if m.Enabled {
		if m.Address == "" {
			errs = append(errs, "address cannot be empty when metrics are enabled")
		}

		if m.Path == "" {
			errs = append(errs, "path cannot be empty when metrics are enabled")
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

// Validate validates ledger configuration
func (l *LedgerConfig) Validate() error {
	var errs []string
	if !l.NegativePolicy.Valid() {
		errs = append(errs, fmt.Sprintf("negative_policy must be %q or %q", core.PolicyReject, core.PolicyAllowFlagged))
	}
	if l.Retry.InitialInterval <= 0 {
		errs = append(errs, "retry.initial_interval must be positive")
	}
	if l.Retry.MaxInterval < l.Retry.InitialInterval {
		errs = append(errs, "retry.max_interval must be >= retry.initial_interval")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// Validate validates rules configuration
func (r *RulesConfig) Validate() error {
	var errs []string
	if r.Concurrency <= 0 {
		errs = append(errs, "concurrency must be positive")
	}
	if r.DispatchMode != "sync" && r.DispatchMode != "async" {
		errs = append(errs, "dispatch_mode must be sync or async")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// Validate validates sweeper configuration
func (s *SweeperConfig) Validate() error {
	if !s.Enabled {
		return nil
	}
	if _, err := cron.ParseStandard(s.Schedule); err != nil {
		return fmt.Errorf("schedule %q: %w", s.Schedule, err)
	}
	if s.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	return nil
}

// Validate validates webhook configuration
func (w *WebhookConfig) Validate() error {
	var errs []string
	for i, e := range w.Endpoints {
		if !strings.HasPrefix(e, "http://") && !strings.HasPrefix(e, "https://") {
			errs = append(errs, fmt.Sprintf("endpoints[%d] must be an http(s) url", i))
		}
	}
	known := make(map[core.EventType]bool, len(core.AllEventTypes))
	for _, t := range core.AllEventTypes {
		known[t] = true
	}
	for _, t := range w.EventTypes {
		if !known[core.EventType(t)] {
			errs = append(errs, fmt.Sprintf("unknown event type %q", t))
		}
	}
	if len(w.Endpoints) > 0 && w.Timeout <= 0 {
		errs = append(errs, "timeout must be positive")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
