package logging

import (
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// StartupLogger collects the engine and server settings in effect at boot
// and emits them as one structured event.
type StartupLogger struct {
	name         string
	version      string
	initDuration time.Duration

	engine   map[string]string
	limits   map[string]string
	features map[string]bool
}

func NewStartupLogger(name string) *StartupLogger {
	return &StartupLogger{
		name:     name,
		engine:   make(map[string]string),
		limits:   make(map[string]string),
		features: make(map[string]bool),
	}
}

// Version sets the build version baked into the binary.
func (s *StartupLogger) Version(v string) *StartupLogger {
	s.version = v
	return s
}

// Engine registers a non-sensitive engine setting (model path, instances).
func (s *StartupLogger) Engine(key, value string) *StartupLogger {
	s.engine[key] = value
	return s
}

// Limit registers a request limit (upload size, wait bound).
func (s *StartupLogger) Limit(key, value string) *StartupLogger {
	s.limits[key] = value
	return s
}

func (s *StartupLogger) Feature(name string, enabled bool) *StartupLogger {
	s.features[name] = enabled
	return s
}

// InitDuration records how long engine construction and warmup took.
func (s *StartupLogger) InitDuration(d time.Duration) *StartupLogger {
	s.initDuration = d
	return s
}

// Log emits a single INFO event with everything collected so far.
func (s *StartupLogger) Log() {
	host, _ := os.Hostname()
	proc := zerolog.Dict().
		Str("name", s.name).
		Str("host", host).
		Int("pid", os.Getpid()).
		Str("goVersion", runtime.Version()).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU())
	if s.version != "" {
		proc = proc.Str("version", s.version)
	}

	evt := log.Info().Dict("process", proc)

	if len(s.engine) > 0 {
		evt = evt.Dict("engine", dictFromMap(s.engine))
	}
	if len(s.limits) > 0 {
		evt = evt.Dict("limits", dictFromMap(s.limits))
	}
	if len(s.features) > 0 {
		d := zerolog.Dict()
		for k, v := range s.features {
			d = d.Bool(k, v)
		}
		evt = evt.Dict("features", d)
	}
	if s.initDuration > 0 {
		evt = evt.Dur("initDuration", s.initDuration)
	}

	evt.Msg("Startup complete")
}

func dictFromMap(m map[string]string) *zerolog.Event {
	d := zerolog.Dict()
	for k, v := range m {
		d = d.Str(k, v)
	}
	return d
}
