package main

import (
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/tinytelemetry/otelgate/internal/sink"
)

// SinkPlugin is a small plugin primitive for wiring record outputs.
type SinkPlugin interface {
	Name() string
	Enabled() bool
	Build() (sink.Sink, error)
}

// SinkPluginConfig defines runtime output selection. A nil Store disables
// the storage output.
type SinkPluginConfig struct {
	ConsoleEnabled bool
	ConsoleVerbose bool
	ConsoleOut     io.Writer
	Store          sink.RecordAdder
	NATSEnabled    bool
	NATS           sink.NATSConfig
}

func buildSinkPlugins(cfg SinkPluginConfig) []SinkPlugin {
	return []SinkPlugin{
		consoleSinkPlugin{enabled: cfg.ConsoleEnabled, verbose: cfg.ConsoleVerbose, out: cfg.ConsoleOut},
		storeSinkPlugin{adder: cfg.Store},
		natsSinkPlugin{enabled: cfg.NATSEnabled, cfg: cfg.NATS},
	}
}

// composeSinks builds every enabled plugin and joins the results. Plugins
// that fail to build are logged and skipped. The returned closers must run
// after the queue in front of the sink has drained.
func composeSinks(plugins []SinkPlugin) (sink.Sink, []string, []io.Closer) {
	var (
		sinks   sink.Fanout
		names   []string
		closers []io.Closer
	)
	for _, plugin := range plugins {
		if !plugin.Enabled() {
			continue
		}
		s, err := plugin.Build()
		if err != nil {
			log.Error().Err(err).Str("sink", plugin.Name()).Msg("error initializing sink plugin")
			continue
		}
		sinks = append(sinks, s)
		names = append(names, plugin.Name())
		if c, ok := s.(io.Closer); ok {
			closers = append(closers, c)
		}
	}

	switch len(sinks) {
	case 0:
		log.Warn().Msg("no sinks enabled, records will be discarded")
		return sink.Discard, nil, nil
	case 1:
		return sinks[0], names, closers
	default:
		return sinks, names, closers
	}
}

type consoleSinkPlugin struct {
	enabled bool
	verbose bool
	out     io.Writer
}

func (p consoleSinkPlugin) Name() string { return "console" }

func (p consoleSinkPlugin) Enabled() bool { return p.enabled }

func (p consoleSinkPlugin) Build() (sink.Sink, error) {
	return sink.NewConsole(p.out, p.verbose), nil
}

type storeSinkPlugin struct {
	adder sink.RecordAdder
}

func (p storeSinkPlugin) Name() string { return "store" }

func (p storeSinkPlugin) Enabled() bool { return p.adder != nil }

func (p storeSinkPlugin) Build() (sink.Sink, error) {
	return sink.NewStore(p.adder), nil
}

type natsSinkPlugin struct {
	enabled bool
	cfg     sink.NATSConfig
}

func (p natsSinkPlugin) Name() string { return "nats" }

func (p natsSinkPlugin) Enabled() bool { return p.enabled }

func (p natsSinkPlugin) Build() (sink.Sink, error) {
	s, err := sink.NewNATS(p.cfg)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", p.cfg.URL, err)
	}
	return s, nil
}
