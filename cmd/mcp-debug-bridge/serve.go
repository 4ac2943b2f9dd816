package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vajrock/mcp-debug-bridge/internal/config"
	"github.com/vajrock/mcp-debug-bridge/internal/establish"
	"github.com/vajrock/mcp-debug-bridge/internal/gateway"
	"github.com/vajrock/mcp-debug-bridge/internal/session"
)

const shutdownTimeout = 10 * time.Second

// ServeCmd runs the gateway.
type ServeCmd struct {
	Transport   string `short:"t" help:"Transport: stdio, tcp or ws (overrides gateway.transport)."`
	Listen      string `short:"l" help:"Listen address for tcp and ws (overrides gateway.listen)."`
	MaxSessions int    `help:"Maximum concurrent sessions, 0 for no limit (overrides session.maxSessions)." default:"-1"`
}

func (c *ServeCmd) apply(cfg *config.Config) error {
	if c.Transport != "" {
		cfg.Gateway.Transport = c.Transport
	}
	if c.Listen != "" {
		cfg.Gateway.Listen = c.Listen
	}
	if c.MaxSessions >= 0 {
		cfg.Session.MaxSessions = c.MaxSessions
	}
	return cfg.Validate()
}

func newOrchestrator(globals *Globals) (*session.Orchestrator, error) {
	cfg := globals.Config
	registry, registryErr := establish.NewRegistry(cfg.Adapters)
	if registryErr != nil {
		return nil, registryErr
	}
	connector := establish.New(registry, establish.Options{
		AttemptTimeout:   cfg.Establish.AttemptTimeout,
		HandshakeTimeout: cfg.Establish.HandshakeTimeout,
		InitialBackoff:   cfg.Establish.InitialBackoff,
		Retries:          cfg.Establish.Retries,
		CallTimeout:      cfg.Session.CallTimeout,
	}, globals.Log.WithName("establisher"))

	return session.New(connector, session.Options{
		CallTimeout:  cfg.Session.CallTimeout,
		SetupTimeout: cfg.Session.SetupTimeout,
		MaxSessions:  cfg.Session.MaxSessions,
		Discovery: session.DiscoveryOptions{
			Host:    cfg.Discovery.Host,
			Ports:   cfg.Discovery.Ports,
			Timeout: cfg.Discovery.Timeout,
		},
	}, globals.Log.WithName("orchestrator")), nil
}

func (c *ServeCmd) Run(globals *Globals) error {
	cfg := globals.Config
	if applyErr := c.apply(cfg); applyErr != nil {
		return applyErr
	}
	log := globals.Log.Logger

	orch, orchErr := newOrchestrator(globals)
	if orchErr != nil {
		return orchErr
	}
	srv := gateway.New(orch, gateway.Options{
		AuthToken:             cfg.Gateway.AuthToken,
		TerminateOnDisconnect: cfg.Gateway.TerminateOnDisconnect,
		Version:               version,
	}, log.WithName("gateway"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var serveErr error
	switch cfg.Gateway.Transport {
	case config.TransportStdio:
		log.Info("Serving", "transport", "stdio", "version", version)
		serveErr = srv.ServeStdio(ctx, os.Stdin, os.Stdout)
	case config.TransportTCP, config.TransportWebSocket:
		if cfg.Gateway.AuthToken == "" && !isLoopback(cfg.Gateway.Listen) {
			log.Info("WARNING: listening on a non-loopback address without an auth token", "listen", cfg.Gateway.Listen)
		}
		ln, listenErr := net.Listen("tcp", cfg.Gateway.Listen)
		if listenErr != nil {
			return fmt.Errorf("listening on %s: %w", cfg.Gateway.Listen, listenErr)
		}
		if cfg.Gateway.Transport == config.TransportTCP {
			serveErr = srv.ServeTCP(ctx, ln)
		} else {
			serveErr = srv.ServeWebSocket(ctx, ln)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	log.Info("Shutting down")
	return errors.Join(serveErr, orch.Shutdown(shutdownCtx))
}

func isLoopback(address string) bool {
	host, _, splitErr := net.SplitHostPort(address)
	if splitErr != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
