package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spotsepsis/intake/internal/httpapi"
	"github.com/spotsepsis/intake/internal/inference"
	"github.com/spotsepsis/intake/internal/llmassist"
	"github.com/spotsepsis/intake/internal/report"
	"github.com/spotsepsis/intake/internal/schema"
	"github.com/spotsepsis/intake/internal/session"
	"github.com/spotsepsis/intake/internal/store"
	"github.com/spotsepsis/intake/internal/telemetry"
)

func main() {
	dbFlag := flag.String("db", "", "path to SQLite database file (overrides DB_PATH env var)")
	webDir := flag.String("web", "./web", "directory with the chat UI static files")
	flag.Parse()

	addr := ":8080"
	if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}

	ctx := context.Background()
	shutdownTracing, err := telemetry.Setup(ctx, "intake-server")
	if err != nil {
		log.Fatalf("failed to initialize tracing: %v", err)
	}

	st := openStore(*dbFlag)
	defer st.Close()

	reg := schema.Sepsis()
	var assist llmassist.Extractor
	if a := llmassist.NewFromEnv(reg); a != nil {
		assist = a
		log.Printf("llm assist enabled model=%s", a.ModelName())
	}

	manager := session.NewManager(reg, session.Config{
		Runner: inference.NewClientFromEnv(),
		Assist: assist,
		Store:  st,
	})

	staticDir := *webDir
	if _, err := os.Stat(staticDir); err != nil {
		log.Printf("web dir %s not found, static serving disabled", staticDir)
		staticDir = ""
	}

	h := httpapi.NewServer(manager, report.NewChromiumPDFRenderer(), staticDir)
	srv := &http.Server{Addr: addr, Handler: h}

	go func() {
		log.Printf("intake-server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown: %v", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Printf("tracing shutdown: %v", err)
	}
}

// openStore resolves the backend: --db flag > DB_PATH env > STATE_DIR
// JSON files > in-memory.
func openStore(dbFlag string) store.Store {
	dbPath := dbFlag
	if dbPath == "" {
		dbPath = os.Getenv("DB_PATH")
	}
	if dbPath != "" {
		ss, err := store.NewSQLiteStore(dbPath)
		if err != nil {
			log.Fatalf("failed to initialize sqlite store (%s): %v", dbPath, err)
		}
		log.Printf("using sqlite store at %s", dbPath)
		return ss
	}
	if dir := os.Getenv("STATE_DIR"); dir != "" {
		fs, err := store.NewFileStore(dir)
		if err != nil {
			log.Fatalf("failed to initialize file store (%s): %v", dir, err)
		}
		log.Printf("using file store at %s", dir)
		return fs
	}
	log.Printf("using in-memory store, sessions will not survive restarts")
	return store.NewMemoryStore()
}
