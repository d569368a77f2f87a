package app

import (
	"context"
	"strings"

	"schoolops/internal/config"
	logx "schoolops/pkg/logx"
)

// reloadLoop applies hot-reloadable sections: logging, notification
// settings, the debug listener and the automation clock.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
		coalesce:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break coalesce
				}
			}
			a.apply(ctx, last, next)
			last = next
		}
	}
}

func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received; no effective changes")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.Strings("sections", restart))
	}

	for _, s := range sections {
		switch s {
		case config.SectionLogging:
			a.logs.Apply(mapLogging(next))
		case config.SectionNotify:
			a.dispatcher.Apply(mapDispatcher(next))
			if prev.Notify.Email != next.Notify.Email || prev.Notify.Telegram != next.Notify.Telegram {
				if err := a.registerSenders(next, a.log); err != nil {
					a.log.Warn("notify senders not updated", logx.Err(err))
				}
			}
		case config.SectionDebug:
			if err := a.pprof.Reconfigure(ctx, mapPprof(next)); err != nil {
				a.log.Warn("pprof reconfigure failed", logx.Err(err))
			}
		case config.SectionAutomation:
			a.trigger.Apply(mapTrigger(next))
			if dailySchedule(prev) != dailySchedule(next) {
				a.trigger.Remove(dailyTrigger)
				if err := a.trigger.AddSchedule(dailyTrigger, dailySchedule(next), 0, a.runDaily); err != nil {
					a.log.Warn("daily schedule not updated", logx.Err(err))
				}
			}
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}
