package main

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/homa-transport/homa-go/pkg/homa"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Transport transportConf
	Logging   logConf
	Monitor   monitorConf
	Discovery discoveryConf
	Ping      pingConf
}

// transportConf describes the Transport-configuration block.
type transportConf struct {
	ID     uint64
	Listen string

	RTTBytes         uint32   `toml:"rtt-bytes"`
	PriorityLevels   uint8    `toml:"priority-levels"`
	UnscheduledBands []uint32 `toml:"unscheduled-bands"`
	OvercommitDegree int      `toml:"overcommit-degree"`
	TickMicros       uint     `toml:"tick-micros"`
	ResendTicks      uint64   `toml:"resend-ticks"`
	TimeoutTicks     uint64   `toml:"timeout-ticks"`
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// monitorConf describes the Monitor-configuration block.
type monitorConf struct {
	Listen string
}

// discoveryConf describes the Discovery-configuration block.
type discoveryConf struct {
	Enable bool
	IPv4   bool
	IPv6   bool
}

// pingConf describes the Ping-configuration block, selecting between the
// echoing server mode and the measuring client mode.
type pingConf struct {
	Mode   string
	Remote string
	Count  int
	Size   int
}

// applyLogging configures logrus from the Logging block.
func applyLogging(conf logConf) {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		log.Warn("Unknown logging format")
	}
}

// transportConfig maps the Transport block onto a homa.Config, keeping the
// defaults for unset fields.
func transportConfig(conf transportConf) homa.Config {
	cfg := homa.DefaultConfig()

	if conf.RTTBytes != 0 {
		cfg.RTTBytes = conf.RTTBytes
	}
	if conf.PriorityLevels != 0 {
		cfg.PriorityLevels = conf.PriorityLevels
	}
	if len(conf.UnscheduledBands) != 0 {
		cfg.UnscheduledBands = conf.UnscheduledBands
	}
	if conf.OvercommitDegree != 0 {
		cfg.OvercommitDegree = conf.OvercommitDegree
	}
	if conf.TickMicros != 0 {
		cfg.TickInterval = time.Duration(conf.TickMicros) * time.Microsecond
	}
	if conf.ResendTicks != 0 {
		cfg.ResendTicks = conf.ResendTicks
	}
	if conf.TimeoutTicks != 0 {
		cfg.TimeoutTicks = conf.TimeoutTicks
	}

	return cfg
}

// parseConfig reads the TOML configuration and applies the logging settings.
func parseConfig(filename string) (conf tomlConfig, err error) {
	if _, err = toml.DecodeFile(filename, &conf); err != nil {
		return
	}

	applyLogging(conf.Logging)

	if conf.Transport.Listen == "" {
		err = fmt.Errorf("transport.listen is empty")
		return
	}

	switch conf.Ping.Mode {
	case "server", "client":
	default:
		err = fmt.Errorf("unknown ping.mode %q", conf.Ping.Mode)
	}

	return
}

// watchConfig re-applies the Logging block whenever the configuration file
// changes, so the log level can be tuned on a running process.
func watchConfig(filename string) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := watcher.Add(filename); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}

				var conf tomlConfig
				if _, err := toml.DecodeFile(filename, &conf); err != nil {
					log.WithError(err).Warn("Failed to re-read configuration")
					continue
				}

				applyLogging(conf.Logging)
				log.WithField("file", filename).Info("Reloaded logging configuration")

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("Configuration watcher errored")
			}
		}
	}()

	return watcher, nil
}
