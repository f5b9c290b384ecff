package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"

	"gochat/api"
	"gochat/auth"
	"gochat/config"
	"gochat/discovery"
	"gochat/network"
	"gochat/push"
	"gochat/storage"

	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("startup failed while reading .env: %v", err)
	}

	cfg, cfgPath, dataDir, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	issuer, err := auth.NewIssuer(auth.IssuerOptions{
		Secret: []byte(cfg.TokenSecret),
		TTL:    cfg.TokenLifetime(),
	})
	if err != nil {
		log.Fatalf("startup failed while preparing token issuer: %v", err)
	}

	// gochat token <user-id> prints a session token for a user and exits.
	if len(os.Args) == 3 && os.Args[1] == "token" {
		token, err := issuer.Issue(os.Args[2])
		if err != nil {
			log.Fatalf("issue token: %v", err)
		}
		fmt.Println(token)
		return
	}

	fmt.Printf("Server ID:       %s\n", cfg.ServerID)
	fmt.Printf("Server Name:     %s\n", cfg.ServerName)
	fmt.Printf("Config File:     %s\n", cfgPath)
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

	hub, err := network.NewHub(network.HubOptions{
		Store:    store,
		Verifier: issuer,
		Push:     push.NewLogDispatcher(nil),
	})
	if err != nil {
		log.Fatalf("startup failed while creating live hub: %v", err)
	}
	defer hub.Close()

	router, err := api.NewRouter(api.RouterOptions{
		Store:    store,
		Verifier: issuer,
		Live:     hub,
	})
	if err != nil {
		log.Fatalf("startup failed while creating router: %v", err)
	}

	server, err := network.Listen(cfg.ListenAddress(), router)
	if err != nil {
		log.Fatalf("startup failed while listening: %v", err)
	}
	defer func() {
		if err := server.Close(); err != nil {
			log.Printf("server close error: %v", err)
		}
	}()
	fmt.Printf("Listening On:    %s\n", server.Addr())

	if cfg.DisableDiscovery {
		fmt.Println("Discovery:       disabled")
	} else {
		discoveryService, err := discovery.Start(discovery.Config{
			ServerID:   cfg.ServerID,
			ServerName: cfg.ServerName,
			Port:       server.Port(),
		})
		if err != nil {
			log.Printf("discovery startup failed: %v", err)
		} else {
			defer discoveryService.Stop()
			fmt.Println("Discovery:       running")
			go logDiscoveryEvents(discoveryService.Scanner.Events())
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	select {
	case <-ctx.Done():
	case err, ok := <-server.Errors():
		if ok {
			log.Printf("server stopped: %v", err)
		}
	}
	fmt.Println("Status:          shutting down")
}

func logDiscoveryEvents(events <-chan discovery.Event) {
	for event := range events {
		switch event.Type {
		case discovery.EventRelayUpserted:
			log.Printf("discovery: relay available id=%s name=%q addr=%v port=%d",
				event.Relay.ServerID, event.Relay.Name, event.Relay.Addresses, event.Relay.Port)
		case discovery.EventRelayRemoved:
			log.Printf("discovery: relay removed id=%s", event.Relay.ServerID)
		default:
			log.Printf("discovery: event=%s id=%s", event.Type, event.Relay.ServerID)
		}
	}
}
