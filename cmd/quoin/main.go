// Package main is the entry point for Quoin, a Nostr relay engine with
// built-in MLS group messaging.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/keanuklestil/quoin/internal/config"
	"github.com/keanuklestil/quoin/internal/event"
	"github.com/keanuklestil/quoin/internal/filter"
	"github.com/keanuklestil/quoin/internal/mls"
	"github.com/keanuklestil/quoin/internal/relay"
	"github.com/keanuklestil/quoin/internal/signer"
	"github.com/keanuklestil/quoin/internal/storage"
	"github.com/keanuklestil/quoin/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	keyHex := flag.String("key", "", "hex-encoded secret key (random identity if empty)")
	relayPreset := flag.String("relays", "", "named relay preset from config.RelayPresets")
	flag.Parse()

	log.SetFlags(log.Ltime | log.Lmicroseconds)
	log.Println("Quoin - Nostr relay engine + MLS groups")
	log.Println("========================================")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *relayPreset != "" {
		preset, ok := config.RelayPresets[*relayPreset]
		if !ok {
			log.Fatalf("unknown relay preset %q", *relayPreset)
		}
		cfg.DefaultRelays = preset
	}

	s, err := loadOrGenerateSigner(*keyHex)
	if err != nil {
		log.Fatalf("Failed to load identity: %v", err)
	}
	pk, err := s.GetPublicKey()
	if err != nil {
		log.Fatalf("Failed to derive public key: %v", err)
	}
	npub, err := nip19.EncodePublicKey(hex.EncodeToString(pk[:]))
	if err != nil {
		log.Fatalf("Failed to encode public key: %v", err)
	}
	log.Printf("[Identity] %s (%s)", npub, hex.EncodeToString(pk[:]))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("\nShutting down...")
		cancel()
	}()

	store := storage.NewMemory()
	tr := transport.NewWebSocketTransport()
	pool := relay.NewPool(tr, cfg, store, s)

	groups := mls.NewEngine(store, pk)
	log.Printf("[MLS] Group engine ready for identity %s", hex.EncodeToString(pk[:]))

	notifications, unsubscribe := pool.Subscribe()
	defer unsubscribe()
	go logNotifications(notifications, groups)

	for _, url := range cfg.DefaultRelays {
		pool.Add(url, relay.AddOptions{Read: true, Write: true})
	}
	log.Printf("[Relays] Connecting to %v", cfg.DefaultRelays)

	f := filter.New()
	idsByRelay, errsByRelay := pool.SubscribeAll(f, relay.SubscribeOptions{})
	for url, err := range errsByRelay {
		log.Printf("[Subscribe] %s: %v", url, err)
	}
	log.Printf("[Subscribe] active on %d relay(s)", len(idsByRelay))

	log.Println()
	log.Println("Ready. Ctrl-C to exit.")

	<-ctx.Done()
	pool.UnsubscribeAll(idsByRelay)
	pool.Shutdown()
	log.Println("Shutdown complete")
}

func loadOrGenerateSigner(keyHex string) (*signer.Local, error) {
	if keyHex == "" {
		return signer.GenerateLocal()
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(keyHex, "0x"))
	if err != nil || len(raw) != 32 {
		return signer.GenerateLocal()
	}
	var sk [32]byte
	copy(sk[:], raw)
	return signer.NewLocal(sk)
}

// logNotifications drains the pool's broadcast bus, logging every
// notification, parsing and logging any incoming kind-443 key package, and
// handing any kind-445 group message event to the MLS engine as it arrives.
func logNotifications(ch <-chan relay.Notification, groups *mls.Engine) {
	for n := range ch {
		log.Printf("[Relay] kind=%d relay=%s", n.Kind, n.Relay)
		if n.Kind != relay.NotifyEvent || n.Event == nil {
			continue
		}
		switch n.Event.Kind {
		case event.KindMLSKeyPkg:
			kp, err := mls.ParseKeyPackageEvent(n.Event)
			if err != nil {
				log.Printf("[MLS] discarding invalid key package from %s: %v", n.Relay, err)
				continue
			}
			log.Printf("[MLS] observed key package for %s", hex.EncodeToString(kp.Identity[:]))
		case event.KindMLSGroupMsg:
			result, err := groups.ProcessMessage(n.Event)
			if err != nil {
				log.Printf("[MLS] failed to process group message from %s: %v", n.Relay, err)
				continue
			}
			log.Printf("[MLS] processed group message (result kind %d)", result.Kind)
		}
	}
}
