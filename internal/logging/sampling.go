package logging

import (
	"go.uber.org/zap/zapcore"
)

var sampledLevels = []zapcore.Level{TraceLevel, zapcore.DebugLevel, zapcore.InfoLevel, zapcore.WarnLevel}

// newSampledCore splits core by level. Each level below error gets its own
// sampler from cfg.Levels; error and above always pass.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}

	byLevel := make(map[zapcore.Level]LevelSampling, len(cfg.Levels))
	for name, s := range cfg.Levels {
		if lvl, err := LevelFromString(name); err == nil {
			byLevel[lvl] = s
		}
	}

	cores := []zapcore.Core{
		&levelFilterCore{Core: core, min: zapcore.ErrorLevel, max: zapcore.FatalLevel},
	}
	for _, lvl := range sampledLevels {
		c := zapcore.Core(&levelFilterCore{Core: core, min: lvl, max: lvl})
		if s, ok := byLevel[lvl]; ok {
			c = zapcore.NewSamplerWithOptions(c, cfg.Tick.Duration(), s.Initial, s.Thereafter)
		}
		cores = append(cores, c)
	}
	return zapcore.NewTee(cores...)
}

// levelFilterCore passes entries with min <= level <= max.
type levelFilterCore struct {
	zapcore.Core
	min, max zapcore.Level
}

func (c *levelFilterCore) Enabled(lvl zapcore.Level) bool {
	return lvl >= c.min && lvl <= c.max && c.Core.Enabled(lvl)
}

func (c *levelFilterCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *levelFilterCore) With(fields []zapcore.Field) zapcore.Core {
	return &levelFilterCore{Core: c.Core.With(fields), min: c.min, max: c.max}
}
