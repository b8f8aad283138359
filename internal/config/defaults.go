package config

// Defaults returns a config with every optional value filled in. It still
// needs a channel token and at least one account to validate.
func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:  "~/.relaybot",
			LogLevel: "info",
		},
		Channel: ChannelConfig{
			Kind:     "telegram",
			MediaDir: "~/.relaybot/media",
		},
		Polling: PollingConfig{
			BaseDelaySeconds:   3,
			MaxDelaySeconds:    300,
			ActiveDelaySeconds: 0.5,
			ScanRetrySeconds:   5,
			ErrorPauseSeconds:  5,
			QueueSize:          64,
		},
		Store: StoreConfig{
			Path:                   "~/.relaybot/correlations.json",
			BackupDir:              "~/.relaybot/backups",
			BackupRetention:        10,
			BackupIntervalSeconds:  300,
			PersistIntervalSeconds: 60,
			MaxEntries:             50000,
		},
		Journal: JournalConfig{
			Enabled:       true,
			DBPath:        "~/.relaybot/journal.db",
			RetentionDays: 90,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},
	}
}

// Template is the commented config written by `relaybot init`.
const Template = `{
  // Operator channel: "telegram", "discord" or "slack".
  "channel": {
    "kind": "telegram",
    "mediaDir": "~/.relaybot/media",
    "telegram": {
      "token": "${TELEGRAM_BOT_TOKEN}",
      "chatId": 0,
      "allowFrom": []
    },
    "discord": {
      "token": "${DISCORD_BOT_TOKEN}",
      "channelId": ""
    },
    // Socket Mode app; replies are thread replies.
    "slack": {
      "botToken": "${SLACK_BOT_TOKEN}",
      "appToken": "${SLACK_APP_TOKEN}",
      "channelId": ""
    }
  },

  // One entry per WhatsApp account. Pair each with ` + "`relaybot login <id>`" + `.
  "accounts": [
    {"id": "personal", "headless": true}
  ],

  "polling": {
    "baseDelaySeconds": 3,
    "maxDelaySeconds": 300,
    "activeDelaySeconds": 0.5
  },

  "store": {
    "path": "~/.relaybot/correlations.json",
    "backupDir": "~/.relaybot/backups",
    "maxEntries": 50000
  },

  "journal": {"enabled": true, "dbPath": "~/.relaybot/journal.db"},
  "metrics": {"enabled": false, "addr": "127.0.0.1:9464"},
  "general": {"logLevel": "info"},
}
`
