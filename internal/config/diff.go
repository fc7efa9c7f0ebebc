package config

import (
	"reflect"
	"strings"

	logx "relaydeck/pkg/logx"
)

// SummarizeChange lists the sections that differ and safe log fields
// describing the new values. Tokens and passphrases are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if s := newCfg.Storage; s != nil {
			attrs = append(attrs, logx.String("storage.driver", s.Driver), logx.String("storage.path", s.Path))
		}
	}
	if oldCfg.Signer != newCfg.Signer {
		changed = append(changed, "signer")
		attrs = append(attrs, logx.String("signer.key_file", newCfg.Signer.KeyFile))
	}
	if oldCfg.Coordinator != newCfg.Coordinator {
		changed = append(changed, "coordinator")
		attrs = append(attrs,
			logx.Any("coordinator.dial_rate", newCfg.Coordinator.DialRate),
			logx.Int("coordinator.dial_burst", newCfg.Coordinator.DialBurst),
		)
	}
	if oldCfg.Deck != newCfg.Deck {
		changed = append(changed, "deck")
		attrs = append(attrs, logx.String("deck.tick", newCfg.Deck.Tick))
	}
	if !reflect.DeepEqual(oldCfg.Maintenance, newCfg.Maintenance) {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.Bool("maintenance.enabled", newCfg.Maintenance.Enabled),
			logx.String("maintenance.timezone", newCfg.Maintenance.Timezone),
			logx.Int("maintenance.jobs", len(newCfg.Maintenance.Jobs)),
		)
	}
	if consoleChanged(oldCfg.Console, newCfg.Console) {
		changed = append(changed, "console")
		if c := newCfg.Console; c != nil {
			attrs = append(attrs,
				logx.Bool("console.enabled", c.Enabled),
				logx.Bool("console.token_set", strings.TrimSpace(c.Token) != ""),
				logx.Int64("console.owner_id", c.OwnerID),
			)
		}
	}
	if !reflect.DeepEqual(oldCfg.Relays, newCfg.Relays) {
		changed = append(changed, "relays")
		attrs = append(attrs, logx.Int("relays.count", len(newCfg.Relays)))
	}
	return changed, attrs
}

func consoleChanged(a, b *ConsoleConfig) bool {
	if a == nil || b == nil {
		return (a == nil) != (b == nil)
	}
	return *a != *b
}

// RestartRequired reports changed sections that only take effect after a
// restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "logging", "maintenance", "relays":
		default:
			out = append(out, s)
		}
	}
	return out
}
