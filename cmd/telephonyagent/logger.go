package main

import "github.com/rs/zerolog"

// zerologAdapter satisfies orchestrator.Logger over a zerolog.Logger,
// translating the slog-style alternating key/value args into zerolog's
// fluent field builder.
type zerologAdapter struct {
	zl zerolog.Logger
}

func (l *zerologAdapter) Debug(msg string, args ...interface{}) { l.log(l.zl.Debug(), msg, args) }
func (l *zerologAdapter) Info(msg string, args ...interface{})  { l.log(l.zl.Info(), msg, args) }
func (l *zerologAdapter) Warn(msg string, args ...interface{})  { l.log(l.zl.Warn(), msg, args) }
func (l *zerologAdapter) Error(msg string, args ...interface{}) { l.log(l.zl.Error(), msg, args) }

func (l *zerologAdapter) log(event *zerolog.Event, msg string, args []interface{}) {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		event = event.Interface(key, args[i+1])
	}
	event.Msg(msg)
}
