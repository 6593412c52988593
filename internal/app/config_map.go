package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"pewnotify/internal/batch"
	"pewnotify/internal/config"
	"pewnotify/internal/dispatch"
	"pewnotify/internal/notify"
	"pewnotify/internal/provider/email"
	"pewnotify/internal/provider/sms"
	"pewnotify/internal/storage"
	logx "pewnotify/pkg/logx"
)

const defaultSQLitePath = "./data/pewnotify.db"

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled:    l.File.Enabled,
			Path:       l.File.Path,
			MaxSizeMB:  l.File.MaxSizeMB,
			MaxBackups: l.File.MaxBackups,
			MaxAgeDays: l.File.MaxAgeDays,
			Compress:   l.File.Compress,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

// groupLogTarget parses telegram.group_log; ok is false when unset or invalid.
func groupLogTarget(cfg *config.Config) (int64, bool) {
	raw := strings.TrimSpace(cfg.Telegram.GroupLog)
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "sqlite":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			path = defaultSQLitePath
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "memory":
		return storage.Config{Driver: "memory"}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	dc := cfg.Dispatch
	timeout, err := config.ParseDurationOrDefault("dispatch.attempt_timeout", dc.AttemptTimeout, dispatch.DefaultAttemptTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	out := dispatch.Config{
		DefaultPriority: notify.ParsePriority(dc.DefaultPriority),
		AttemptTimeout:  timeout,
	}
	if len(dc.ChannelTimeouts) > 0 {
		out.ChannelTimeouts = make(map[notify.Channel]time.Duration, len(dc.ChannelTimeouts))
		for name, raw := range dc.ChannelTimeouts {
			ch, ok := notify.ParseChannel(name)
			if !ok {
				return dispatch.Config{}, fmt.Errorf("dispatch.channel_timeouts: unknown channel %q", name)
			}
			d, err := config.ParseDurationField("dispatch.channel_timeouts."+name, raw)
			if err != nil {
				return dispatch.Config{}, err
			}
			out.ChannelTimeouts[ch] = d
		}
	}
	return out, nil
}

func mapBatchConfig(cfg *config.Config) (batch.Config, error) {
	timeout, err := config.ParseDurationOrDefault("batch.timeout", cfg.Batch.Timeout, batch.DefaultTimeout)
	if err != nil {
		return batch.Config{}, err
	}
	return batch.Config{Timeout: timeout, Workers: cfg.Batch.Workers}, nil
}

func mapJanitorConfig(cfg *config.Config) (batch.JanitorConfig, error) {
	jc := cfg.Janitor
	stale, err := config.ParseDurationOrDefault("janitor.stale_after", jc.StaleAfter, batch.DefaultStaleAfter)
	if err != nil {
		return batch.JanitorConfig{}, err
	}
	retention, err := config.ParseDurationOrDefault("janitor.retention", jc.Retention, batch.DefaultRetention)
	if err != nil {
		return batch.JanitorConfig{}, err
	}
	return batch.JanitorConfig{
		Enabled:    jc.Enabled,
		Schedule:   strings.TrimSpace(jc.Schedule),
		StaleAfter: stale,
		Retention:  retention,
	}, nil
}

func mapEmailConfig(cfg *config.Config) email.Config {
	ec := cfg.Providers.Email
	return email.Config{
		Driver:       ec.Driver,
		APIKey:       ec.APIKey,
		BaseURL:      ec.BaseURL,
		SenderEmail:  ec.SenderEmail,
		SenderName:   ec.SenderName,
		Subject:      ec.Subject,
		SMTPHost:     ec.SMTPHost,
		SMTPPort:     ec.SMTPPort,
		SMTPUser:     ec.SMTPUser,
		SMTPPassword: ec.SMTPPassword,
	}
}

func mapSMSConfig(cfg *config.Config) sms.Config {
	sc := cfg.Providers.SMS
	return sms.Config{AuthToken: sc.AuthToken, PhoneNumber: sc.PhoneNumber, BaseURL: sc.BaseURL}
}

// validateRuntime checks the parts of a config that only the app can map.
// It runs before a reloaded config is committed.
func validateRuntime(cfg *config.Config, janitor *batch.Janitor) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	dc, err := mapDispatchConfig(cfg)
	if err != nil {
		return err
	}
	bc, err := mapBatchConfig(cfg)
	if err != nil {
		return err
	}
	jc, err := mapJanitorConfig(cfg)
	if err != nil {
		return err
	}
	if err := checkStaleAfter(dc, bc, jc); err != nil {
		return err
	}
	if jc.Enabled && janitor != nil {
		if err := janitor.ValidateSchedule(jc.Schedule); err != nil {
			return err
		}
	}
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	return nil
}

// checkStaleAfter rejects a janitor that would count a record as abandoned
// while its attempt or batch may still be running.
func checkStaleAfter(dc dispatch.Config, bc batch.Config, jc batch.JanitorConfig) error {
	if !jc.Enabled {
		return nil
	}
	limit := max(dc.MaxTimeout(), bc.Timeout)
	if jc.StaleAfter <= limit {
		return fmt.Errorf("janitor.stale_after (%s) must be longer than the longest attempt or batch timeout (%s)", jc.StaleAfter, limit)
	}
	return nil
}
