// c2server wires the agent core to a minimal HTTP listener for local
// testing: agent traffic posts to /, operators stream events from /ws.
//
// Usage:
//
//	c2server -listen :8080 -install ./data [-db agents.db] [-staging-key KEY]
//
// Without -staging-key the key is prompted for without echo.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/Pen-Git/Empire/agents"
	"github.com/Pen-Git/Empire/events"
	intlog "github.com/Pen-Git/Empire/internal/log"
	"github.com/Pen-Git/Empire/store"
)

const maxBodySize = 10 << 20

func main() {
	listen := flag.String("listen", ":8080", "Listener bind address")
	install := flag.String("install", "./data", "Install root (downloads live beneath it)")
	dbPath := flag.String("db", "agents.db", "SQLite database path")
	listenerName := flag.String("listener-name", "http", "Listener name stamped onto staged agents")
	stagingKey := flag.String("staging-key", "", "Pre-shared staging key (prompted if empty)")
	delay := flag.Int("delay", 5, "Default beacon delay in seconds")
	jitter := flag.Float64("jitter", 0.0, "Default beacon jitter")
	lostLimit := flag.Int("lost-limit", 60, "Default missed-checkin limit")
	webhook := flag.String("webhook", "", "Optional webhook URL for new-agent notifications")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(intlog.NewSecretFilter(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	key := *stagingKey
	if key == "" {
		fmt.Print("Staging key: ")
		keyBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading staging key: %v\n", err)
			os.Exit(1)
		}
		key = string(keyBytes)
	}
	if len(key) != 32 {
		fmt.Fprintln(os.Stderr, "Staging key must be 32 bytes")
		os.Exit(1)
	}

	st, err := store.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	bus := events.NewBus(logger)
	defer bus.Close()

	mgr, err := agents.NewManager(agents.Config{
		InstallPath: *install,
		Store:       st,
		Bus:         bus,
		Logger:      logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating manager: %v\n", err)
		os.Exit(1)
	}

	opts := agents.ListenerOptions{
		Name:             *listenerName,
		DefaultDelay:     *delay,
		DefaultJitter:    *jitter,
		DefaultLostLimit: *lostLimit,
		WebhookURL:       *webhook,
	}

	broadcaster := events.NewBroadcaster(bus, logger)
	defer broadcaster.Close()

	// Console subscriber: print events flagged for the operator.
	console := bus.Subscribe(256)
	go func() {
		for e := range console.Events {
			if e.Print {
				fmt.Println(e.Message)
			}
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", broadcaster.Handler)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		replies := mgr.HandleAgentData([]byte(key), body, opts, clientIP(r), true)
		for _, reply := range replies {
			if reply.Data != nil {
				w.Write(reply.Data)
			}
		}
	})

	srv := &http.Server{
		Addr:              *listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listener started", "addr", *listen, "name", *listenerName)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		os.Exit(1)
	}
}

func clientIP(r *http.Request) string {
	host := r.RemoteAddr
	for i := len(host) - 1; i >= 0; i-- {
		if host[i] == ':' {
			return host[:i]
		}
	}
	return host
}
