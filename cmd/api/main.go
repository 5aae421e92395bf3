package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"touroffice.org/internal/audit"
	"touroffice.org/internal/auth"
	"touroffice.org/internal/httpapi"
	"touroffice.org/internal/mailer"
	"touroffice.org/internal/obs"
	"touroffice.org/internal/store/pg"
	"touroffice.org/internal/stream"
)

var version = "0.3.1"

func main() {
	// Инициализация observability (регистрация метрик, JSON-логгер и т.п.)
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("TOUROFFICE_COMMIT"))

	dsn := os.Getenv("TOUROFFICE_PG_DSN")
	if dsn == "" {
		log.Fatal("TOUROFFICE_PG_DSN is required")
	}
	store, err := pg.Open(dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	secret := os.Getenv("TOUROFFICE_AUTH_SECRET")
	if secret == "" {
		log.Fatal("TOUROFFICE_AUTH_SECRET is required")
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenConfig{
		SigningKey: []byte(secret),
		Issuer:     "touroffice",
		Audience:   "touroffice-backoffice",
		AccessTTL:  envDuration("TOUROFFICE_ACCESS_TTL", 0),
		RefreshTTL: envDuration("TOUROFFICE_REFRESH_TTL", 0),
	})
	if err != nil {
		log.Fatalf("token issuer: %v", err)
	}

	auditStream := stream.New()
	recorder, err := audit.NewRecorder(store.Audit(), audit.WithPublisher(auditStream.Publish))
	if err != nil {
		log.Fatalf("audit recorder: %v", err)
	}

	opts := []auth.ServiceOption{}
	if host := os.Getenv("TOUROFFICE_SMTP_HOST"); host != "" {
		sender, err := mailer.NewSMTPSender(mailer.Config{
			Host:     host,
			Port:     envInt("TOUROFFICE_SMTP_PORT", 587),
			Username: os.Getenv("TOUROFFICE_SMTP_USER"),
			Password: os.Getenv("TOUROFFICE_SMTP_PASSWORD"),
			From:     os.Getenv("TOUROFFICE_SMTP_FROM"),
		})
		if err != nil {
			log.Fatalf("mailer: %v", err)
		}
		opts = append(opts, auth.WithMailer(sender))
	}
	if ttl := envDuration("TOUROFFICE_RESET_TTL", 0); ttl > 0 {
		opts = append(opts, auth.WithResetTTL(ttl))
	}
	svc, err := auth.NewService(store, issuer, recorder, opts...)
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}

	// HTTP API
	api := httpapi.New(svc, recorder, auditStream, httpapi.ReadyProbe{DB: store.DB()}, version)

	addr := os.Getenv("TOUROFFICE_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(), // уже обёрнут метриками в httpapi
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting touroffice-api %s on %s", version, srv.Addr)
	obs.SetReady(true)

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}

func envDuration(name string, fallback time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("%s: invalid duration %q", name, v)
	}
	return d
}

func envInt(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("%s: invalid integer %q", name, v)
	}
	return n
}
