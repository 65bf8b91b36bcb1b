package main

import (
	"context"
	"flag"
	"log"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sandgrid.dev/internal/client"
	"sandgrid.dev/internal/protocol"
)

// Headless viewer: connects to a grid stream, keeps the freshest snapshot
// locked, and reports what a rendered sandbox view would show at the domain
// center. Doubles as a smoke test against a live server.
func main() {
	var (
		addr     = flag.String("addr", "127.0.0.1:26000", "grid stream server address")
		reportHz = flag.Int("report_hz", 2, "report rate")
		sendPose = flag.Bool("pose", true, "send an orbiting viewer pose uplink")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[viewer] ", log.LstdFlags|log.Lmicroseconds)

	ctx, cancel := signalContext()
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	c, err := client.Connect(dialCtx, *addr)
	dialCancel()
	if err != nil {
		logger.Fatalf("connect %s: %v", *addr, err)
	}
	defer c.Close()

	g := c.Geometry()
	logger.Printf("connected: %dx%d grid, cell %gx%g, elevation [%g,%g]",
		g.Width, g.Height, g.CellSize[0], g.CellSize[1], g.Range.Min, g.Range.Max)

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	dom := c.Domain()
	cx := (dom.Min[0] + dom.Max[0]) / 2
	cy := (dom.Min[1] + dom.Max[1]) / 2

	ticker := time.NewTicker(time.Second / time.Duration(*reportHz))
	defer ticker.Stop()

	var angle float64
	for {
		select {
		case err := <-runErr:
			if err != nil && ctx.Err() == nil {
				logger.Fatalf("stream: %v", err)
			}
			logger.Printf("bye")
			return
		case <-ticker.C:
		}

		if !c.LockNewGrids() {
			continue
		}
		bath := c.Bathymetry(cx, cy)
		water := c.WaterLevel(cx, cy)
		snow := c.SnowHeight(cx, cy)
		switch {
		case water > bath:
			logger.Printf("center bath=%.3f water=%.3f snow=%.3f (underwater, depth %.3f)", bath, water, snow, water-bath)
		case snow > bath:
			logger.Printf("center bath=%.3f water=%.3f snow=%.3f (snow cover %.3f)", bath, water, snow, snow-bath)
		default:
			logger.Printf("center bath=%.3f water=%.3f snow=%.3f (dry)", bath, water, snow)
		}

		// Cast a ray straight down from above the center and report where it
		// hits the surface, the way a picking cursor would.
		top := g.Range.Max + 1
		hit := c.IntersectSegment(
			[3]float32{cx, cy, top},
			[3]float32{cx, cy, g.Range.Min - 1},
		)
		if hit < 1 {
			logger.Printf("pick at (%.1f,%.1f): lambda %.4f", cx, cy, hit)
		}

		if *sendPose {
			angle += 0.1
			r := float64(dom.Max[0]-dom.Min[0]) / 2
			pose := protocol.ViewerPose{
				HeadPos: [3]float32{
					cx + float32(r*math.Cos(angle)),
					cy + float32(r*math.Sin(angle)),
					g.Range.Max + 20,
				},
				ViewDir: [3]float32{
					-float32(math.Cos(angle)), -float32(math.Sin(angle)), -1,
				},
			}
			if err := c.SendViewer(pose); err != nil {
				logger.Printf("send pose: %v", err)
			}
		}
	}
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
