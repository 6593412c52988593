package config

import (
	"reflect"

	logx "pewnotify/pkg/logx"
)

// SummarizeConfigChange lists the changed top-level sections plus log fields
// describing them. Secrets are never included.
//
// Sections marked restart-only (telegram, storage, providers, metrics) are
// reported so the operator knows a restart is needed.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, restart []string, attrs []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Strs("dispatch.default_priority", newCfg.Dispatch.DefaultPriority),
			logx.String("dispatch.attempt_timeout", newCfg.Dispatch.AttemptTimeout),
		)
	}
	if oldCfg.Batch != newCfg.Batch {
		changed = append(changed, "batch")
		attrs = append(attrs,
			logx.String("batch.timeout", newCfg.Batch.Timeout),
			logx.Int("batch.workers", newCfg.Batch.Workers),
		)
	}
	if oldCfg.Janitor != newCfg.Janitor {
		changed = append(changed, "janitor")
		attrs = append(attrs,
			logx.Bool("janitor.enabled", newCfg.Janitor.Enabled),
			logx.String("janitor.schedule", newCfg.Janitor.Schedule),
		)
	}
	if !reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) {
		changed = append(changed, "telegram.owner_user_ids")
		attrs = append(attrs, logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)))
	}

	tgOld, tgNew := oldCfg.Telegram, newCfg.Telegram
	tgOld.OwnerUserIDs, tgNew.OwnerUserIDs = nil, nil
	if !reflect.DeepEqual(tgOld, tgNew) {
		restart = append(restart, "telegram")
	}
	if oldCfg.Storage != newCfg.Storage {
		restart = append(restart, "storage")
	}
	if oldCfg.Providers != newCfg.Providers {
		restart = append(restart, "providers")
	}
	if oldCfg.Metrics != newCfg.Metrics {
		restart = append(restart, "metrics")
	}
	if oldCfg.UsersFile != newCfg.UsersFile {
		restart = append(restart, "users_file")
	}
	return changed, restart, attrs
}
