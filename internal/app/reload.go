package app

import (
	"context"
	"strings"

	"clusterjobs/internal/config"
	"clusterjobs/internal/eventbus"
	logx "clusterjobs/pkg/logx"
)

// ReloadData is published on config.reloaded.
type ReloadData struct {
	Changed         []string `json:"changed"`
	Units           []string `json:"units,omitempty"`
	RestartRequired []string `json:"restart_required,omitempty"`
}

// reloadLoop applies committed configs: logging and units live, every
// other section on the next restart.
func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.apply(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) apply(c context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, unitsChanged := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(unitsChanged) > 0 {
		a.log.Debug("unit config changes detected", logx.Any("units", unitsChanged))
	}

	restart := config.RestartRequired(sections)
	if len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")),
		)
	}

	a.logs.Apply(mapLogging(newCfg))
	a.units.OnConfigUpdate(c, newCfg)

	a.bus.Publish(eventbus.Event{Type: eventbus.TopicConfigReloaded, Data: ReloadData{
		Changed:         sections,
		Units:           unitsChanged,
		RestartRequired: restart,
	}})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
