package main

import (
	"context"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"readingnotes/api/db"
	"readingnotes/api/internal/app"
	"readingnotes/api/internal/auth"
	"readingnotes/api/internal/config"
	"readingnotes/api/internal/editgate"
	"readingnotes/api/internal/export"
	"readingnotes/api/internal/gitrepo"
	"readingnotes/api/internal/live"
	"readingnotes/api/internal/media"
	"readingnotes/api/internal/search"
	"readingnotes/api/internal/session"
	"readingnotes/api/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	ctx := context.Background()

	conn, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer conn.Close()

	migrations, err := loadMigrations(cfg.MigrationsDir)
	if err != nil {
		log.Fatalf("migrations failed: %v", err)
	}
	if err := store.ApplyMigrations(ctx, conn, migrations); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	if err := os.MkdirAll(cfg.RevisionsDir, 0o755); err != nil {
		log.Fatalf("failed to create revisions dir: %v", err)
	}

	project := cfg.Project
	pg := store.NewPostgresStore(conn, project.ID)

	redisStore, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer redisStore.Close()

	gate, err := editgate.New(cfg.EditingKey, project.ID, auth.NewSigner(cfg.TokenSecret), redisStore, editgate.Options{TTL: cfg.EditorTTL})
	if err != nil {
		log.Fatalf("editing gate: %v", err)
	}
	if !gate.Enabled() {
		log.Printf("NOTES_EDITING_KEY is empty, editing is disabled")
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewPgFTS(conn), project.ID)
	go searchService.ReindexAll(ctx, pg)

	deps := app.Deps{
		Store:     pg,
		Revisions: gitrepo.New(cfg.RevisionsDir),
		Gate:      gate,
		Progress:  redisStore,
		Search:    searchService,
		Export:    export.NewService(pg, project, export.Toolchain{Timeout: 60 * time.Second}),
		Live:      live.NewHub(redisStore.Client(), project.ID, pg, cfg.CORSOrigin, cfg.StoreTimeout),
	}
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		images, err := media.NewMinio(ctx, media.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
			PublicURL: cfg.MediaPublicURL,
		})
		if err != nil {
			log.Printf("WARNING: image uploads disabled: %v", err)
		} else {
			deps.Images = images
		}
	}

	service := app.New(cfg, deps)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Reading notes API (%s) listening on %s", project.ID, cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

// loadMigrations prefers migrations on disk and falls back to the copies
// embedded in the binary.
func loadMigrations(dir string) ([]store.Migration, error) {
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return store.LoadMigrations(os.DirFS(dir), ".")
	}
	embedded, err := fs.Sub(db.Migrations, "migrations")
	if err != nil {
		return nil, err
	}
	return store.LoadMigrations(embedded, ".")
}
