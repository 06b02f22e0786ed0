// Package bridge assembles the observation engine, the outbound delivery
// queues and the MQTT transport into one service with a health endpoint.
package bridge

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ahpohl/fronius-bridge/pkg/config"
	"github.com/ahpohl/fronius-bridge/pkg/device"
	"github.com/ahpohl/fronius-bridge/pkg/fronius"
	"github.com/ahpohl/fronius-bridge/pkg/observer"
	"github.com/ahpohl/fronius-bridge/pkg/outbound"
)

// Server holds all the components of the bridge.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	driver    device.Driver
	engine    *observer.Engine
	transport *outbound.MQTTClient
	queues    map[fronius.Category]*outbound.Queue

	httpServer *http.Server

	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

// Topics returns the per-category publish topics under the configured root.
func Topics(root string) map[fronius.Category]string {
	return map[fronius.Category]string{
		fronius.CategoryValues:   root,
		fronius.CategoryEvents:   root + "/events",
		fronius.CategoryIdentity: root + "/device",
	}
}

// New wires the bridge components. The driver is injected so main can pick
// the transport (TCP or RTU) and tests can substitute a fake.
func New(cfg *config.Config, driver device.Driver, logger zerolog.Logger) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logger,
		driver: driver,
		queues: make(map[fronius.Category]*outbound.Queue),
	}

	transport, err := outbound.NewMQTTClient(outbound.MQTTConfig{
		BrokerURL:          cfg.MQTT.BrokerURL,
		ClientIDPrefix:     cfg.MQTT.ClientIDPrefix,
		Username:           cfg.MQTT.Username,
		Password:           cfg.MQTT.Password,
		KeepAlive:          cfg.MQTT.KeepAlive,
		ConnectTimeout:     cfg.MQTT.ConnectTimeout,
		ReconnectWaitMax:   cfg.MQTT.ReconnectWaitMax,
		PublishTimeout:     cfg.MQTT.PublishTimeout,
		QoS:                1,
		Retained:           true,
		CACertFile:         cfg.MQTT.CACertFile,
		ClientCertFile:     cfg.MQTT.ClientCertFile,
		ClientKeyFile:      cfg.MQTT.ClientKeyFile,
		InsecureSkipVerify: cfg.MQTT.InsecureSkipVerify,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create MQTT transport: %w", err)
	}
	s.transport = transport

	for cat, topic := range Topics(cfg.MQTT.Topic) {
		q := outbound.NewQueue(topic, cfg.MQTT.QueueSize, transport, logger)
		s.queues[cat] = q
		transport.RegisterQueue(q)
	}

	s.engine = observer.New(driver, observer.Config{
		Interval:        cfg.Modbus.UpdateInterval,
		RefetchIdentity: cfg.Modbus.RefetchIdentity,
		SlaveID:         cfg.Modbus.SlaveID,
	}, s.shutdownOnFatal, logger)

	for cat, q := range s.queues {
		queue := q
		s.engine.SetCallback(cat, func(payload []byte) error {
			queue.Enqueue(payload)
			return nil
		})
	}

	return s, nil
}

// Engine exposes the observation engine for snapshot reads.
func (s *Server) Engine() *observer.Engine { return s.engine }

// Start runs the bridge until ctx is cancelled or a fatal condition occurs.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info().Msg("Starting fronius bridge...")

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.transport.ConnectAsync()
	s.driver.Connect()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.engine.Run(runCtx)
	}()

	for _, q := range s.queues {
		queue := q
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			queue.Run(runCtx)
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthzHandler)
	s.httpServer = &http.Server{
		Addr:    s.cfg.HTTPPort,
		Handler: mux,
	}

	s.logger.Info().Str("address", s.cfg.HTTPPort).Msg("Starting health check server")
	httpErr := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErr <- err
		}
	}()

	select {
	case <-runCtx.Done():
		return nil
	case err := <-httpErr:
		return fmt.Errorf("health check server failed: %w", err)
	}
}

// Shutdown stops all components gracefully. Queued but unpublished entries
// are abandoned; delivery is best-effort by design.
func (s *Server) Shutdown() {
	s.once.Do(func() {
		s.logger.Info().Msg("Shutting down fronius bridge...")

		if s.cancel != nil {
			s.cancel()
		}

		if err := s.driver.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Error closing device driver")
		}
		s.transport.Disconnect(500)

		s.wg.Wait()

		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.httpServer.Shutdown(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Error during health check server shutdown")
			}
		}
		s.logger.Info().Msg("Bridge stopped")
	})
}

// shutdownOnFatal is handed to the engine as the global shutdown signal.
func (s *Server) shutdownOnFatal(err error) {
	s.logger.Error().Err(err).Msg("Fatal error, stopping bridge")
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Server) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}
