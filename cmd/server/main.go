package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"sandgrid.dev/internal/config"
	"sandgrid.dev/internal/grid"
	"sandgrid.dev/internal/observer"
	"sandgrid.dev/internal/protocol"
	"sandgrid.dev/internal/record"
	"sandgrid.dev/internal/server"
	"sandgrid.dev/internal/source"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to server.yaml (optional; flags override)")
		listenAddr = flag.String("listen", "", "grid stream listen address (overrides config)")
		httpAddr   = flag.String("http", "", "http listen address for healthz/metrics/observer (overrides config)")
		seed       = flag.Int64("seed", 0, "synthetic source seed (overrides config when nonzero)")
		recordDir  = flag.String("record", "", "enable recording into this directory (overrides config)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg := config.Defaults()
	if strings.TrimSpace(*configPath) != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			logger.Fatalf("load config: %v", err)
		}
	}
	if strings.TrimSpace(*listenAddr) != "" {
		cfg.Listen = *listenAddr
	}
	if strings.TrimSpace(*httpAddr) != "" {
		cfg.HTTPListen = *httpAddr
	}
	if *seed != 0 {
		cfg.Seed = *seed
	}
	if strings.TrimSpace(*recordDir) != "" {
		cfg.Record.Enabled = true
		cfg.Record.Dir = *recordDir
		cfg.Record.Index = filepath.Join(*recordDir, "index.db")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("config: %v", err)
	}

	geom, err := cfg.Geometry()
	if err != nil {
		logger.Fatalf("geometry: %v", err)
	}

	srv, err := server.New(geom, logger, func(sessionID uint64, pose protocol.ViewerPose) {
		logger.Printf("session %d viewer head=%v dir=%v", sessionID, pose.HeadPos, pose.ViewDir)
	})
	if err != nil {
		logger.Fatalf("server: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		logger.Fatalf("listen %s: %v", cfg.Listen, err)
	}
	go func() {
		if err := srv.Serve(ctx, ln); err != nil && ctx.Err() == nil {
			logger.Printf("serve stopped: %v", err)
		}
	}()

	// Optional session recording: every encoded stream message, plus an
	// sqlite index row so replays can find it later.
	var rec *record.Writer
	var idx *record.Index
	if cfg.Record.Enabled {
		rec, idx, err = startRecording(ctx, cfg, geom, srv, logger)
		if err != nil {
			logger.Fatalf("recording: %v", err)
		}
	}

	obs := observer.NewServer(geom, logger)
	httpSrv := startHTTP(cfg, srv, obs, logger)

	gen := &source.Synthetic{Geom: geom, Seed: cfg.Seed}
	runTicks(ctx, cfg, geom, srv, obs, gen, logger)

	shutdownCtx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = httpSrv.Shutdown(shutdownCtx)

	if rec != nil {
		// The broadcast loop may still hold the tap; detach before closing
		// so no write lands on a closed recording.
		if err := srv.DetachTap(shutdownCtx, rec); err != nil {
			logger.Printf("detach recording tap: %v", err)
		}
		frames, rawBytes := rec.Stats()
		if err := rec.Close(); err != nil {
			logger.Printf("close recording: %v", err)
		} else if idx != nil {
			if err := idx.FinishRecording(rec.Path(), frames, rawBytes); err != nil {
				logger.Printf("finish recording index: %v", err)
			}
		}
	}
	if idx != nil {
		_ = idx.Close()
	}
	logger.Printf("bye")
}

func runTicks(ctx context.Context, cfg config.Config, geom grid.Geometry, srv *server.Server, obs *observer.Server, gen source.Source, logger *log.Logger) {
	var gb grid.GridBuffers
	gb.Init(geom)

	ticker := time.NewTicker(time.Second / time.Duration(cfg.TickRateHz))
	defer ticker.Stop()

	logger.Printf("streaming %dx%d grid at %d Hz on %s", geom.Width, geom.Height, cfg.TickRateHz, cfg.Listen)
	var tick uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		tick++
		gen.Generate(tick, &gb)
		if err := srv.Publish(ctx, &gb); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Printf("publish: %v", err)
		}
		obs.Publish(tick, &gb)
	}
}

func startRecording(ctx context.Context, cfg config.Config, geom grid.Geometry, srv *server.Server, logger *log.Logger) (*record.Writer, *record.Index, error) {
	if err := os.MkdirAll(cfg.Record.Dir, 0o755); err != nil {
		return nil, nil, err
	}
	path := filepath.Join(cfg.Record.Dir, fmt.Sprintf("%d.sgrc.zst", time.Now().Unix()))
	rec, err := record.NewWriter(path, geom)
	if err != nil {
		return nil, nil, err
	}
	idx, err := record.OpenIndex(cfg.Record.Index)
	if err != nil {
		_ = rec.Close()
		return nil, nil, err
	}
	if err := idx.AddRecording(rec.Path(), rec.StartedAt(), geom); err != nil {
		logger.Printf("index recording: %v", err)
	}
	if err := srv.AttachTap(ctx, rec); err != nil {
		_ = rec.Close()
		_ = idx.Close()
		return nil, nil, err
	}
	logger.Printf("recording to %s", path)
	return rec, idx, nil
}

func startHTTP(cfg config.Config, srv *server.Server, obs *observer.Server, logger *log.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		m := srv.Metrics()

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP sandgrid_sessions Current number of connected viewers.\n")
		fmt.Fprintf(rw, "# TYPE sandgrid_sessions gauge\n")
		fmt.Fprintf(rw, "sandgrid_sessions %d\n", m.Sessions)

		fmt.Fprintf(rw, "# HELP sandgrid_ticks_total Published grid updates.\n")
		fmt.Fprintf(rw, "# TYPE sandgrid_ticks_total counter\n")
		fmt.Fprintf(rw, "sandgrid_ticks_total %d\n", m.Ticks)

		fmt.Fprintf(rw, "# HELP sandgrid_bytes_sent_total Stream bytes written to viewers.\n")
		fmt.Fprintf(rw, "# TYPE sandgrid_bytes_sent_total counter\n")
		fmt.Fprintf(rw, "sandgrid_bytes_sent_total %d\n", m.BytesSent)

		fmt.Fprintf(rw, "# HELP sandgrid_last_tick_bytes Encoded size of the last update.\n")
		fmt.Fprintf(rw, "# TYPE sandgrid_last_tick_bytes gauge\n")
		fmt.Fprintf(rw, "sandgrid_last_tick_bytes %d\n", m.LastTickSize)

		fmt.Fprintf(rw, "# HELP sandgrid_last_encode_ms Encode duration of the last update in milliseconds.\n")
		fmt.Fprintf(rw, "# TYPE sandgrid_last_encode_ms gauge\n")
		fmt.Fprintf(rw, "sandgrid_last_encode_ms %.3f\n", m.LastEncodeMS)
	})
	mux.HandleFunc("/observer/bootstrap", obs.BootstrapHandler())
	mux.HandleFunc("/observer/ws", obs.WSHandler())

	httpSrv := &http.Server{
		Addr:              cfg.HTTPListen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Printf("http on %s", cfg.HTTPListen)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("http: %v", err)
		}
	}()
	return httpSrv
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
