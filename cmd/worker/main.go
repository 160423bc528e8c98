package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"ams/internal/audit"
	"ams/internal/cloudinary"
	"ams/internal/config"
	"ams/internal/queue"
	"ams/internal/store"
)

// Worker consumes snapshot jobs, uploads the images to Cloudinary and
// stamps the recognition audit rows with the resulting URLs.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "ams:snapshots")
	}

	if cfg.CloudinaryCloudName == "" || cfg.CloudinaryAPIKey == "" || cfg.CloudinaryAPISecret == "" {
		log.Fatal("Cloudinary not configured (CLOUDINARY_CLOUD_NAME / API_KEY / API_SECRET not set)")
	}
	uploader := cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)

	repo := store.NewRepository(db.Client)
	archiver := audit.NewArchiver(repo, uploader)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for snapshot jobs...")
	for msg := range messages {
		if msg.Type != queue.TypeSnapshot {
			continue
		}

		job, err := audit.DecodeSnapshotJob(msg.Body)
		if err != nil {
			log.Printf("drop malformed message: %v", err)
			continue
		}

		log.Printf("archiving snapshot for audit %s", job.AuditID)
		if err := archiver.Archive(ctx, job); err != nil {
			// No retry loop: the audit row survives without a snapshot
			// and the gap is visible in the recognition-logs query.
			log.Printf("archive failed: %v", err)
			continue
		}
		log.Printf("audit %s archived", job.AuditID)
	}

	log.Println("worker stopped")
}
