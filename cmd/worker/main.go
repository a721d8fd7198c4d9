// Command worker is the node agent a transcoding worker runs alongside its
// encoder. It owns the worker's did:key identity, keeps the gateway's node
// registry current, and polls for job offers. The encoder process drives
// the rest of the lifecycle through pkg/client.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"encoder-gateway/internal/identity"
	"encoder-gateway/pkg/client"
)

func main() {
	gatewayURL := flag.String("gateway", "http://127.0.0.1:4005", "gateway base URL")
	keyPath := flag.String("key", "worker.key", "path to the worker's ed25519 seed")
	name := flag.String("name", "", "human-readable node name")
	interval := flag.Duration("interval", time.Minute, "registry refresh interval")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	signer, err := loadOrCreateSigner(*keyPath)
	if err != nil {
		logger.Error("failed to load identity", "err", err)
		os.Exit(1)
	}
	logger.Info("worker identity ready", "did", signer.DID())

	gw := client.New(*gatewayURL, signer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	info, err := client.GatherNodeInfo(ctx, *name)
	if err != nil {
		logger.Warn("incomplete hardware profile", "err", err)
	}
	if err := gw.UpdateNode(ctx, info); err != nil {
		logger.Error("failed to register node", "err", err)
		os.Exit(1)
	}
	logger.Info("node registered", "name", info.Name, "threads", info.TotalThreads)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			logger.Info("shutting down node agent")
			return
		case <-ticker.C:
			if err := gw.UpdateNode(ctx, info); err != nil {
				logger.Warn("registry refresh failed", "err", err)
				continue
			}
			offer, err := gw.AskJob(ctx)
			if err != nil {
				logger.Warn("ask job failed", "err", err)
				continue
			}
			if offer.Job != nil {
				logger.Info("job offered", "job_id", offer.Job.ID, "size", offer.Job.Input.Size)
			} else {
				logger.Debug("no job offered", "reason", offer.Reason)
			}
		}
	}
}

// loadOrCreateSigner reads the hex-encoded ed25519 seed at path, generating
// and persisting a fresh one on first run.
func loadOrCreateSigner(path string) (*identity.Signer, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("key file %s is not a valid ed25519 seed", path)
		}
		return identity.NewSigner(ed25519.NewKeyFromSeed(seed)), nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate seed: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(seed)), 0o600); err != nil {
		return nil, fmt.Errorf("persist seed: %w", err)
	}
	return identity.NewSigner(ed25519.NewKeyFromSeed(seed)), nil
}
