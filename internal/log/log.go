// Package log wires structured logging for the broker, mirroring the
// teacher's core/log package: logrus with a text/JSON formatter choice
// and an optional Loki shipping hook.
package log

import (
	log "github.com/sirupsen/logrus"
	loki "github.com/yukitsune/lokirus"

	"github.com/plantd/jobbroker/internal/config"
)

// Initialize configures the standard logrus logger from cfg, matching the
// teacher's core/log.Initialize(config.LogConfig) contract: an invalid
// level is ignored rather than rejected, and an empty formatter defaults
// to text.
func Initialize(cfg config.LogConfig) {
	if level, err := log.ParseLevel(cfg.Level); err == nil {
		log.SetLevel(level)
	}

	switch cfg.Formatter {
	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	default:
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	log.StandardLogger().ReplaceHooks(make(log.LevelHooks))

	if cfg.Loki.Address == "" {
		return
	}

	opts := loki.NewLokiHookOptions().WithFormatter(
		&log.JSONFormatter{},
	).WithStaticLabels(
		toLokiLabels(cfg.Loki.Labels),
	)

	hook := loki.NewLokiHookWithOpts(
		cfg.Loki.Address,
		opts,
		log.InfoLevel,
		log.WarnLevel,
		log.ErrorLevel,
		log.FatalLevel,
	)
	log.AddHook(hook)
}

func toLokiLabels(labels map[string]string) loki.Labels {
	out := make(loki.Labels, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}
