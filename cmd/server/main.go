package main

import (
	"flag"
	"log"
	"net/http"
	"os"

	"github.com/joho/godotenv"

	"mailhub/internal/auth"
	"mailhub/internal/blobstorage"
	"mailhub/internal/conf"
	"mailhub/internal/db"
	"mailhub/internal/server"
)

func main() {
	dbPath := flag.String("db", "", "Path to the SQLite database file (overrides config)")
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	// Local .env files may carry MAILHUB_JWT_SECRET for development
	_ = godotenv.Load()

	log.Println("Starting mailhub server...")

	var cfg *conf.Config
	var err error
	if *configPath != "" {
		cfg, err = conf.LoadConfigFile(*configPath)
	} else {
		cfg, err = conf.LoadConfig()
	}
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	if secret := os.Getenv("MAILHUB_JWT_SECRET"); secret != "" {
		cfg.JWTSecret = secret
	}
	if *dbPath != "" {
		cfg.DatabasePath = *dbPath
	}

	store, err := db.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal("Failed to open store:", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("Error closing store: %v", err)
		}
	}()

	log.Printf("Store initialized: %s", cfg.DatabasePath)

	// Avatar blob storage is optional; the server runs without it
	var s3Storage *blobstorage.S3BlobStorage
	if cfg.BlobStorage.Enabled {
		log.Println("Initializing S3 blob storage...")
		s3Storage, err = blobstorage.NewS3BlobStorage(cfg.BlobStorage)
		if err != nil {
			log.Printf("Warning: Failed to initialize S3 blob storage: %v", err)
			log.Println("Avatar uploads will be disabled")
			s3Storage = nil
		} else {
			log.Printf("S3 blob storage initialized: %s (bucket: %s)", cfg.BlobStorage.Endpoint, cfg.BlobStorage.Bucket)
		}
	} else {
		log.Println("S3 blob storage is disabled in config, avatar uploads off")
	}

	tokens := auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL())
	srv := server.NewServer(store, tokens, s3Storage)
	defer srv.Close()

	log.Printf("mailhub API listening on %s", cfg.ListenAddr)
	if err := http.ListenAndServe(cfg.ListenAddr, srv.Handler(cfg.AllowedOrigins)); err != nil {
		log.Fatal("HTTP server failed:", err)
	}
}
