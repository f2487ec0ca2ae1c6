package logger

import (
	"fmt"

	phlog "github.com/oarkflow/log"
)

// PhusluLogger writes through the phuslu-style oarkflow/log package.
type PhusluLogger struct {
	component string
}

// NewPhusluLogger tags every entry with component when it is non-empty.
func NewPhusluLogger(component string) *PhusluLogger {
	return &PhusluLogger{component: component}
}

func (p *PhusluLogger) Debug(msg string, keyvals ...any) {
	b := phlog.Debug()
	if p.component != "" {
		b = b.Str("component", p.component)
	}
	for i := 0; i < len(keyvals)-1; i += 2 {
		ks, v := pairKey(keyvals[i]), keyvals[i+1]
		switch vv := v.(type) {
		case string:
			b = b.Str(ks, vv)
		case bool:
			b = b.Bool(ks, vv)
		case int:
			b = b.Int(ks, vv)
		case error:
			b = b.Str(ks, vv.Error())
		default:
			b = b.Any(ks, vv)
		}
	}
	b.Msg(msg)
}

func (p *PhusluLogger) Info(msg string, keyvals ...any) {
	b := phlog.Info()
	if p.component != "" {
		b = b.Str("component", p.component)
	}
	for i := 0; i < len(keyvals)-1; i += 2 {
		ks, v := pairKey(keyvals[i]), keyvals[i+1]
		switch vv := v.(type) {
		case string:
			b = b.Str(ks, vv)
		case bool:
			b = b.Bool(ks, vv)
		case int:
			b = b.Int(ks, vv)
		case error:
			b = b.Str(ks, vv.Error())
		default:
			b = b.Any(ks, vv)
		}
	}
	b.Msg(msg)
}

func (p *PhusluLogger) Error(msg string, keyvals ...any) {
	b := phlog.Error()
	if p.component != "" {
		b = b.Str("component", p.component)
	}
	for i := 0; i < len(keyvals)-1; i += 2 {
		ks, v := pairKey(keyvals[i]), keyvals[i+1]
		switch vv := v.(type) {
		case string:
			b = b.Str(ks, vv)
		case bool:
			b = b.Bool(ks, vv)
		case int:
			b = b.Int(ks, vv)
		case error:
			b = b.Str(ks, vv.Error())
		default:
			b = b.Any(ks, vv)
		}
	}
	b.Msg(msg)
}

func pairKey(k any) string {
	if s, ok := k.(string); ok {
		return s
	}
	return fmt.Sprint(k)
}
