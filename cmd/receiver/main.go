// Command receiver runs the ANPX receiver: dials a gateway's tunnel
// endpoint, authenticates via DID-WBA, and forwards inbound requests to
// a local application. Exit codes follow spec §6.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/pem"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/anpxtunnel/gateway/internal/config"
	"github.com/anpxtunnel/gateway/internal/didauth"
	"github.com/anpxtunnel/gateway/internal/receiver"
)

func main() {
	os.Exit(run())
}

func run() int {
	configFile := flag.String("config", "", "path to receiver config file")
	flag.Parse()

	cfg, err := config.LoadReceiver(*configFile)
	if err != nil {
		slog.Error("loading config", "error", err)
		return 1
	}

	log := newLogger(cfg.LogLevel)

	priv, err := loadEd25519PrivateKey(cfg.PrivateKeyPath)
	if err != nil {
		log.Error("loading private key", "error", err)
		return 1
	}
	did, err := loadDID(cfg.DIDDocumentPath)
	if err != nil {
		log.Error("loading did document", "error", err)
		return 1
	}
	signer := didauth.NewSigner(did, cfg.VerificationMethod, priv)

	app := receiver.NewHTTPApp(cfg.UpstreamURL, nil)

	newClient := func() *receiver.Client {
		return receiver.NewClient(receiver.Config{
			GatewayURL:      cfg.GatewayURL,
			ChunkSize:       cfg.ChunkSize,
			WriteQueueDepth: cfg.QueueDepth,
		}, signer, log)
	}
	buildDisp := func(c *receiver.Client) *receiver.Dispatcher {
		return receiver.NewDispatcher(app, c, cfg.MaxPending, cfg.ChunkSize, log)
	}

	manager := receiver.NewReconnectManager(newClient, buildDisp, receiver.ReconnectConfig{
		InitialBackoff: cfg.ReconnectInitialBackoff,
		MaxBackoff:     cfg.ReconnectMaxBackoff,
		BackoffFactor:  cfg.ReconnectBackoffFactor,
	}, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := manager.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("receiver exited", "error", err)
		return 3
	}
	return 0
}

func loadEd25519PrivateKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}
	if len(block.Bytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("unexpected key size %d in %s", len(block.Bytes), path)
	}
	return ed25519.PrivateKey(block.Bytes), nil
}

func loadDID(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
