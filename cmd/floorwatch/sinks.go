package main

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/teslashibe/floorwatch/internal/cloud"
	"github.com/teslashibe/floorwatch/internal/config"
	"github.com/teslashibe/floorwatch/internal/eventlog"
	"github.com/teslashibe/floorwatch/internal/mqtt"
	"github.com/teslashibe/floorwatch/internal/notify"
	"github.com/teslashibe/floorwatch/internal/pipeline"
	"github.com/teslashibe/floorwatch/internal/store"
)

// sinkSet is everything registered with the dispatcher, plus the handles
// the rest of the daemon needs.
type sinkSet struct {
	sinks   []pipeline.Sink
	closers []io.Closer

	store *store.Store
	cloud *cloud.Client
}

// sinkScope selects which sinks buildSinks opens; localSinks keeps only
// the file-backed ones.
type sinkScope int

const (
	allSinks sinkScope = iota
	localSinks
)

// buildSinks opens every enabled sink. On error, sinks opened so far are
// closed again.
func buildSinks(ctx context.Context, cfg *config.Config, scope sinkScope, logger *slog.Logger) (*sinkSet, error) {
	set := &sinkSet{}
	fail := func(err error) (*sinkSet, error) {
		set.Close()
		return nil, err
	}
	sc := cfg.Sinks

	if sc.CSV.Enabled {
		l, err := eventlog.Open(sc.CSV.Path)
		if err != nil {
			return fail(err)
		}
		set.add(l, l)
		logger.Info("csv event log enabled", "path", sc.CSV.Path)
	}

	if sc.SQLite.Enabled {
		s, err := store.Open(sc.SQLite.Path)
		if err != nil {
			return fail(err)
		}
		set.add(s, s)
		set.store = s
		logger.Info("sqlite event store enabled", "path", sc.SQLite.Path)
	}

	if scope == localSinks {
		return set, nil
	}

	if sc.Webhook.Enabled {
		wcfg := notify.DefaultWebhookConfig()
		wcfg.URL = sc.Webhook.URL
		wcfg.Headers = sc.Webhook.Headers
		if sc.Webhook.DeviceID != "" {
			wcfg.DeviceID = sc.Webhook.DeviceID
		}
		if sc.Webhook.Timeout > 0 {
			wcfg.Timeout = sc.Webhook.Timeout
		}
		w, err := notify.NewWebhook(wcfg, logger)
		if err != nil {
			return fail(err)
		}
		set.add(w, nil)
		logger.Info("webhook enabled", "timeout", wcfg.Timeout)
	}

	if sc.Notify.Enabled {
		ncfg := notify.DefaultShoutrrrConfig()
		ncfg.URLs = sc.Notify.URLs
		ncfg.MinInterval = sc.Notify.MinInterval
		if sc.Notify.Title != "" {
			ncfg.Title = sc.Notify.Title
		}
		if sc.Notify.DeviceID != "" {
			ncfg.DeviceID = sc.Notify.DeviceID
		}
		if sc.Notify.Burst > 0 {
			ncfg.Burst = sc.Notify.Burst
		}
		if sc.Notify.Timeout > 0 {
			ncfg.Timeout = sc.Notify.Timeout
		}
		n, err := notify.NewShoutrrr(ncfg, logger)
		if err != nil {
			return fail(err)
		}
		set.add(n, nil)
		logger.Info("chat notifications enabled",
			"services", len(ncfg.URLs),
			"min_interval", ncfg.MinInterval,
		)
	}

	if sc.MQTT.Enabled {
		mcfg := mqtt.DefaultConfig()
		mcfg.Broker = sc.MQTT.Broker
		mcfg.Username = sc.MQTT.Username
		mcfg.Password = sc.MQTT.Password
		mcfg.QoS = byte(sc.MQTT.QoS)
		mcfg.Retain = sc.MQTT.Retain
		if sc.MQTT.ClientID != "" {
			mcfg.ClientID = sc.MQTT.ClientID
		}
		if sc.MQTT.TopicPrefix != "" {
			mcfg.TopicPrefix = sc.MQTT.TopicPrefix
		}
		p := mqtt.NewPublisher(mcfg, logger)
		// An unreachable broker is not fatal: paho keeps retrying and
		// Handle reports failures through the dispatcher.
		if err := p.Connect(ctx); err != nil {
			logger.Warn("mqtt connect failed", "broker", mcfg.Broker, "error", err)
		}
		set.add(p, p)
		logger.Info("mqtt publisher enabled", "topic", p.Topic())
	}

	if sc.Cloud.Enabled {
		ccfg := cloud.DefaultConfig()
		ccfg.URL = sc.Cloud.URL
		ccfg.Token = sc.Cloud.Token
		ccfg.ReconnectBackoff = sc.Cloud.ReconnectBackoff
		ccfg.MaxBackoff = sc.Cloud.MaxBackoff
		ccfg.PingInterval = sc.Cloud.PingInterval
		ccfg.Backlog = sc.Cloud.Backlog
		if sc.Cloud.DeviceID != "" {
			ccfg.DeviceID = sc.Cloud.DeviceID
		}
		c := cloud.NewClient(ccfg, logger)
		if err := c.Connect(ctx); err != nil {
			return fail(err)
		}
		set.add(c, c)
		set.cloud = c
		logger.Info("cloud uplink enabled", "url", ccfg.URL)
	}

	return set, nil
}

func (s *sinkSet) add(sink pipeline.Sink, closer io.Closer) {
	s.sinks = append(s.sinks, sink)
	if closer != nil {
		s.closers = append(s.closers, closer)
	}
}

// register adds every sink to d.
func (s *sinkSet) register(d *pipeline.Dispatcher) error {
	for _, sink := range s.sinks {
		if err := d.Add(sink); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the sinks in reverse order of opening.
func (s *sinkSet) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
