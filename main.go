package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/assafd7/p2p-fs-system/config"
	"github.com/assafd7/p2p-fs-system/crypto"
	"github.com/assafd7/p2p-fs-system/discovery"
	"github.com/assafd7/p2p-fs-system/network"
	"github.com/assafd7/p2p-fs-system/registry"
	"github.com/assafd7/p2p-fs-system/storage"
	"github.com/assafd7/p2p-fs-system/transfer"
)

func main() {
	cfg, dataDir, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	identity, err := crypto.LoadOrCreateIdentity(cfg.PrivateKeyPath, cfg.PublicKeyPath)
	if err != nil {
		log.Fatalf("startup failed while preparing identity keypair: %v", err)
	}

	fmt.Printf("Peer ID:         %s\n", identity.PeerID)
	fmt.Printf("User ID:         %s\n", cfg.UserID)
	fmt.Printf("Display Name:    %s\n", cfg.DisplayName)
	fmt.Printf("Listen Port:     %d\n", cfg.ListenPort)
	fmt.Printf("Data Directory:  %s\n", dataDir)

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
	}()
	fmt.Printf("Database File:   %s\n", dbPath)

	manager := network.NewManager(network.ManagerOptions{
		ListenAddress:    fmt.Sprintf(":%d", cfg.ListenPort),
		Identity:         identity,
		UserID:           cfg.UserID,
		Nonces:           store,
		HandshakeTimeout: time.Duration(cfg.HandshakeTimeoutSeconds) * time.Second,
	})

	reg := registry.New(identity.PeerID, registry.Options{
		TTL: time.Duration(cfg.PeerTTLSeconds) * time.Second,
	})

	engine := transfer.NewEngine(transfer.Options{
		DownloadDir:     cfg.DownloadDir,
		ChunkSize:       cfg.ChunkSize,
		MaxActiveJobs:   int64(cfg.MaxActiveJobs),
		ChunkWindow:     cfg.ChunkWindow,
		MaxChunkRetries: uint64(cfg.MaxChunkRetries),
		ChunkTimeout:    time.Duration(cfg.ChunkTimeoutSeconds) * time.Second,
	}, manager, reg, store, cfg.UserID)
	manager.OnSession(engine.HandleSession)

	if err := manager.Start(); err != nil {
		log.Fatalf("startup failed while opening listener: %v", err)
	}
	defer func() {
		_ = manager.Stop()
	}()

	reg.Start()
	defer reg.Stop()
	defer engine.Stop()

	announcer, err := discovery.StartAnnouncer(discovery.Config{
		SelfPeerID:  identity.PeerID,
		DisplayName: cfg.DisplayName,
		ListenPort:  cfg.ListenPort,
	})
	if err != nil {
		log.Printf("discovery announce startup failed: %v", err)
	} else {
		defer announcer.Stop()
	}

	scanner, err := discovery.NewScanner(discovery.Config{
		SelfPeerID: identity.PeerID,
	}, reg)
	if err != nil {
		log.Printf("discovery scan startup failed: %v", err)
	} else {
		scanner.Start()
		defer scanner.Stop()
		fmt.Println("Discovery:       running")
	}

	go logRegistryEvents(reg.Events())
	go logErrors("network", manager.Errors())
	go logErrors("transfer", engine.Errors())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
}

func logRegistryEvents(events <-chan registry.Event) {
	for event := range events {
		switch event.Type {
		case registry.EventJoined:
			log.Printf("peer joined: %s (%s) at %s:%d", event.Peer.ID, event.Peer.DisplayName, event.Peer.Address, event.Peer.Port)
		case registry.EventUpdated:
			log.Printf("peer updated: %s at %s:%d", event.Peer.ID, event.Peer.Address, event.Peer.Port)
		case registry.EventLeft:
			log.Printf("peer left: %s", event.Peer.ID)
		}
	}
}

func logErrors(component string, errs <-chan error) {
	for err := range errs {
		log.Printf("%s error: %v", component, err)
	}
}
