package config

import (
	"os"
	"path/filepath"
)

func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:                   3000,
			SendTimeoutSeconds:     60,
			ShutdownTimeoutSeconds: 10,
		},
		Upload: UploadConfig{
			Dir:               filepath.Join(os.TempDir(), "wagate-uploads"),
			MaxFileBytes:      20 * 1024 * 1024, // 20 MB per image
			MaxFiles:          10,
			FieldName:         "file[]",
			SweepAfterMinutes: 60,
		},
		WhatsApp: WhatsAppConfig{
			SessionDir:          "~/.wagate/session",
			Headless:            true,
			NoSandbox:           true,
			QRImagePath:         "~/.wagate/qr.png",
			PollIntervalSeconds: 2,
		},
		Limits: LimitsConfig{
			SendsPerMinute: 0,
			Burst:          1,
		},
		History: HistoryConfig{
			Enabled:       true,
			DBPath:        "~/.wagate/history.db",
			RetentionDays: 30,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}
