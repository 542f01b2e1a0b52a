// Command plexwatch follows a Plex Media Server's notification socket and
// publishes filtered playback state changes to MQTT.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sweeney/plexwatch/internal/config"
	"github.com/sweeney/plexwatch/internal/logging"
	"github.com/sweeney/plexwatch/internal/metrics"
	"github.com/sweeney/plexwatch/internal/mqtt"
	"github.com/sweeney/plexwatch/internal/plex"
	"github.com/sweeney/plexwatch/internal/processor"
	"github.com/sweeney/plexwatch/internal/session"
	"github.com/sweeney/plexwatch/internal/status"
	"github.com/sweeney/plexwatch/internal/web"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	var configFile string

	root := &cobra.Command{
		Use:          "plexwatch",
		Short:        "Publish Plex playback state changes to MQTT",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := load(v, configFile)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, log)
		},
	}

	root.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ./plexwatch.yaml or $HOME/.config/plexwatch/plexwatch.yaml)")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	if err := v.BindPFlag("log.level", root.PersistentFlags().Lookup("log-level")); err != nil {
		panic(fmt.Sprintf("bind log-level flag: %v", err))
	}

	root.AddCommand(newFiltersCmd(v, &configFile))
	return root
}

func load(v *viper.Viper, configFile string) (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	log, err := logging.New(cfg.Logging())
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	if cfg.File != "" {
		log.Debug().Str("file", cfg.File).Msg("loaded config")
	}
	return cfg, log, nil
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	transport := plex.New(cfg.Transport(), plex.WithLogger(log))
	transportMetrics, err := metrics.NewTransportMetrics(registry)
	if err != nil {
		return err
	}
	transportMetrics.Subscribe(transport)

	storeCfg, err := cfg.SessionStore()
	if err != nil {
		return fmt.Errorf("session store config: %w", err)
	}
	store, err := session.NewHTTPStore(storeCfg, session.WithLogger(log))
	if err != nil {
		return fmt.Errorf("init session store: %w", err)
	}

	var (
		publisher  mqtt.Publisher
		mqttStatus mqtt.ConnectionStatus
	)
	if cfg.MQTT.Enabled {
		p, err := mqtt.NewRealPublisher(cfg.Publisher(), log)
		if err != nil {
			return fmt.Errorf("init mqtt: %w", err)
		}
		publisher, mqttStatus = p, p
	} else {
		log.Warn().Msg("mqtt disabled, matches are logged only")
		publisher = logPublisher{log: log.With().Str("component", "mqtt").Logger()}
	}
	defer publisher.Close()

	processorMetrics, err := metrics.NewProcessorMetrics(registry)
	if err != nil {
		return err
	}
	proc := processor.New(store, publisher, cfg.Filters,
		processor.WithRecorder(processorMetrics),
		processor.WithLogger(log),
	)
	proc.Subscribe(transport)

	// Initialize status tracker (before STARTUP so snapshot is available)
	tracker := status.NewTracker(time.Now(), statusConfig(cfg))
	watchTransport(transport, tracker, log)

	l := &loop{
		transport:  transport,
		processor:  proc,
		sessions:   store,
		publisher:  publisher,
		mqttStatus: mqttStatus,
		tracker:    tracker,
		heartbeat:  cfg.Status.Heartbeat,
		now:        time.Now,
		log:        log,
	}
	l.startup()

	// Start HTTP status server
	if cfg.HTTP.Addr != "" {
		srv := web.New(cfg.HTTP.Addr, tracker, registry, log)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("http server error")
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("http status server listening")
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := transport.Run(ctx); err != nil {
			log.Error().Err(err).Msg("transport stopped")
		}
	}()
	go func() {
		defer wg.Done()
		if err := proc.Run(ctx); err != nil {
			log.Error().Err(err).Msg("processor stopped")
		}
	}()

	log.Info().
		Str("plex", transport.Status().Address).
		Int("filters", len(cfg.Filters)).
		Bool("mqtt", cfg.MQTT.Enabled).
		Dur("heartbeat", cfg.Status.Heartbeat).
		Msg("started")

	ticker := time.NewTicker(cfg.Status.Refresh)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	err = l.run(ctx, ticker.C, sigCh)
	cancel()
	wg.Wait()
	return err
}

func statusConfig(cfg config.Config) status.Config {
	addr, _ := cfg.Transport().Address()
	sc := status.Config{
		PlexAddress:         addr,
		PingIntervalMs:      cfg.Plex.PingInterval.Milliseconds(),
		PongTimeoutMs:       cfg.Plex.PongTimeout.Milliseconds(),
		ReconnectIntervalMs: cfg.Plex.ReconnectInterval.Milliseconds(),
		MaxRetries:          cfg.Plex.MaxRetries,
		Filters:             len(cfg.Filters),
		HeartbeatMs:         cfg.Status.Heartbeat.Milliseconds(),
		HTTPAddr:            cfg.HTTP.Addr,
	}
	if cfg.MQTT.Enabled {
		sc.Broker = cfg.MQTT.Broker
	}
	return sc
}

// transportSignals is the part of *plex.Transport the daemon listens to.
type transportSignals interface {
	OnOpen(func())
	OnClose(func(plex.CloseEvent))
	OnReconnecting(func(plex.ReconnectEvent))
	OnUnauthorized(func(plex.UnexpectedResponse))
	OnUnexpectedResponse(func(plex.UnexpectedResponse))
	OnReconnectMaxRetries(func(int))
	OnError(func(error))
}

// watchTransport logs transport signals and counts the ones that need an
// operator's attention. Reconnection continues in every case.
func watchTransport(t transportSignals, tracker *status.Tracker, log zerolog.Logger) {
	t.OnOpen(func() {
		log.Info().Msg("plex connected")
	})
	t.OnClose(func(ev plex.CloseEvent) {
		log.Info().Int("code", ev.Code).Str("reason", ev.Reason).Msg("plex disconnected")
	})
	t.OnReconnecting(func(ev plex.ReconnectEvent) {
		tracker.RecordReconnect()
		log.Info().Int("attempt", ev.Attempt).Dur("delay", ev.Delay).Int("code", ev.Code).Msg("plex reconnecting")
	})
	t.OnUnauthorized(func(r plex.UnexpectedResponse) {
		tracker.RecordUnauthorized()
		log.Error().Int("status", r.StatusCode).Msg("plex rejected token")
	})
	t.OnUnexpectedResponse(func(r plex.UnexpectedResponse) {
		log.Warn().Int("status", r.StatusCode).Str("url", r.URL).Msg("plex unexpected handshake response")
	})
	t.OnReconnectMaxRetries(func(retries int) {
		tracker.RecordMaxRetries()
		log.Warn().Int("retries", retries).Msg("plex reconnect max retries reached, still retrying")
	})
	t.OnError(func(err error) {
		log.Debug().Err(err).Msg("plex transport error")
	})
}

// loop owns status refresh, heartbeats and the lifecycle system events.
type loop struct {
	transport  interface{ Status() plex.Status }
	processor  interface{ Counts() processor.Counts }
	sessions   interface{ Len() int }
	publisher  mqtt.Publisher
	mqttStatus mqtt.ConnectionStatus
	tracker    *status.Tracker
	heartbeat  time.Duration
	now        func() time.Time
	log        zerolog.Logger
}

func (l *loop) refresh() {
	cached := 0
	if l.sessions != nil {
		cached = l.sessions.Len()
	}
	l.tracker.Update(l.transport.Status(), l.processor.Counts(), cached)
	if l.mqttStatus != nil {
		l.tracker.SetMQTTConnected(l.mqttStatus.IsConnected())
	}
}

// system publishes a lifecycle event carrying the current status snapshot.
func (l *loop) system(event, reason string, retained bool) {
	l.refresh()
	snap := l.tracker.Snapshot()
	ev := mqtt.SystemEvent{
		Timestamp:  l.now(),
		Event:      event,
		Reason:     reason,
		Retained:   retained,
		RawPayload: status.FormatStatusEvent(snap, event, reason),
	}
	if err := l.publisher.PublishSystem(ev); err != nil {
		l.log.Warn().Err(err).Str("event", event).Msg("failed to publish system event")
		return
	}
	l.log.Debug().Str("event", event).Msg("published system event")
}

func (l *loop) startup() {
	l.system(mqtt.EventStartup, "", true)
}

// run refreshes the tracker on every tick and sends heartbeats when due.
// It publishes SHUTDOWN and returns on a signal or when ctx is done.
func (l *loop) run(ctx context.Context, tick <-chan time.Time, sig <-chan os.Signal) error {
	lastHeartbeat := l.now()
	for {
		select {
		case s := <-sig:
			l.log.Info().Str("signal", s.String()).Msg("shutting down")
			l.system(mqtt.EventShutdown, signalName(s), true)
			return nil

		case <-ctx.Done():
			l.log.Info().Msg("context done, shutting down")
			l.system(mqtt.EventShutdown, "CONTEXT", true)
			return nil

		case <-tick:
			t := l.now()
			l.refresh()
			if status.HeartbeatDue(lastHeartbeat, t, l.heartbeat) {
				lastHeartbeat = t
				snap := l.tracker.Snapshot()
				l.log.Info().
					Str("plex", snap.Plex.State.String()).
					Uint64("events", snap.Counts.Events).
					Uint64("published", snap.Counts.Published).
					Int("cached_sessions", snap.CachedSessions).
					Msg("heartbeat")
				l.system(mqtt.EventHeartbeat, "", false)
			}
		}
	}
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	}
	return "UNKNOWN"
}

// logPublisher stands in for MQTT when it is disabled.
type logPublisher struct {
	log zerolog.Logger
}

func (p logPublisher) Publish(msg processor.Message) error {
	payload, err := mqtt.FormatPayload(msg)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	p.log.Info().RawJSON("payload", payload).Msg("match")
	return nil
}

func (p logPublisher) PublishSystem(event mqtt.SystemEvent) error {
	p.log.Info().Str("event", event.Event).Str("reason", event.Reason).Msg("system event")
	return nil
}

func (p logPublisher) Close() error { return nil }
