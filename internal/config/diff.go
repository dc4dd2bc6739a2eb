package config

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"

	logx "reposter/pkg/logx"
)

// Sections that a running process applies without restart.
var liveSections = map[string]bool{"logging": true, "scheduler": true}

// ConfigChange summarises what a reload touched.
type ConfigChange struct {
	Sections        []string
	RestartRequired []string
	Attrs           []logx.Field // safe for logs; never carries secrets
}

func (c ConfigChange) Empty() bool { return len(c.Sections) == 0 }

// SummarizeConfigChange compares two configs section by section.
func SummarizeConfigChange(oldCfg, newCfg *Config) ConfigChange {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var out ConfigChange
	mark := func(section string, attrs ...logx.Field) {
		out.Sections = append(out.Sections, section)
		if !liveSections[section] {
			out.RestartRequired = append(out.RestartRequired, section)
		}
		out.Attrs = append(out.Attrs, attrs...)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		mark("scheduler",
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.spec", strings.TrimSpace(newCfg.Scheduler.Spec)),
		)
	}
	if oldCfg.Source.Kind != newCfg.Source.Kind || oldCfg.Source.ChannelID != newCfg.Source.ChannelID ||
		oldCfg.Source.BaseURL != newCfg.Source.BaseURL || oldCfg.Source.Timeout != newCfg.Source.Timeout ||
		oldCfg.Source.MaxPages != newCfg.Source.MaxPages || oldCfg.Source.Retries != newCfg.Source.Retries ||
		oldCfg.Source.APIKey != newCfg.Source.APIKey {
		mark("source", logx.String("source.kind", newCfg.Source.Kind))
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		mark("storage", logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if !reflect.DeepEqual(oldCfg.Dispatcher, newCfg.Dispatcher) {
		mark("dispatcher")
	}
	if changed := diffDestinations(oldCfg.Destinations, newCfg.Destinations); len(changed) > 0 {
		mark("destinations", logx.Strings("destinations.changed", changed))
	}
	if oldCfg.HTTP.Enabled != newCfg.HTTP.Enabled || oldCfg.HTTP.Addr != newCfg.HTTP.Addr ||
		oldCfg.HTTP.Pprof != newCfg.HTTP.Pprof || oldCfg.HTTP.AllowInsecure != newCfg.HTTP.AllowInsecure ||
		oldCfg.HTTP.Token != newCfg.HTTP.Token ||
		oldCfg.HTTP.ReadTimeout != newCfg.HTTP.ReadTimeout || oldCfg.HTTP.WriteTimeout != newCfg.HTTP.WriteTimeout ||
		oldCfg.HTTP.IdleTimeout != newCfg.HTTP.IdleTimeout {
		mark("http",
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Telemetry, newCfg.Telemetry) {
		mark("telemetry", logx.Bool("telemetry.nsq_enabled", newCfg.Telemetry.NSQ.Enabled))
	}

	sort.Strings(out.Sections)
	sort.Strings(out.RestartRequired)
	return out
}

// diffDestinations returns the ids whose entry differs. Credentials are
// compared by hash so nothing secret is kept around.
func diffDestinations(oldM, newM map[string]DestinationConfig) []string {
	ids := map[string]struct{}{}
	for k := range oldM {
		ids[k] = struct{}{}
	}
	for k := range newM {
		ids[k] = struct{}{}
	}
	out := make([]string, 0, len(ids))
	for id := range ids {
		o, okO := oldM[id]
		n, okN := newM[id]
		if okO != okN || destHash(o) != destHash(n) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func destHash(d DestinationConfig) uint64 {
	b, err := json.Marshal(d)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}
