package bus

import (
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/nats-io/nats-server/v2/server"

	"github.com/naturalspeech/naturalspeech/internal/config"
)

// Embedded is an in-process NATS server.
type Embedded struct {
	ns  *server.Server
	log *log.Logger
}

// StartEmbedded starts a NATS server on cfg.Host:cfg.Port. A port of -1
// picks a free one.
func StartEmbedded(cfg config.BusConfig, logger *log.Logger) (*Embedded, error) {
	if logger == nil {
		logger = log.Default().WithPrefix("nats")
	}
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	opts := &server.Options{
		ServerName: "naturalspeech",
		Host:       host,
		Port:       cfg.Port,
		NoSigs:     true,
		NoLog:      true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, errors.New("embedded NATS server failed to start within 5 seconds")
	}

	logger.Info("embedded NATS server started", "url", ns.ClientURL())
	return &Embedded{ns: ns, log: logger}, nil
}

// ClientURL returns the URL clients connect to.
func (e *Embedded) ClientURL() string {
	return e.ns.ClientURL()
}

// Shutdown stops the server and waits for it to exit.
func (e *Embedded) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
