// command axidrawd is a network control plane for an AxiDraw pen plotter:
// it owns the serial connection to the EiBotBoard, exposes REST and
// WebSocket surfaces over HTTP, and runs the job queue and spatial
// velocity processor that ride alongside it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"seedhammer.com/axidraw"
	"seedhammer.com/httpapi"
	"seedhammer.com/motion"
	"seedhammer.com/queue"
	"seedhammer.com/serial"
	"seedhammer.com/servo"
	"seedhammer.com/session"
	"seedhammer.com/spatial"
)

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

var (
	device     = flag.String("device", envOr("AXIDRAWD_DEVICE", ""), "serial device path; empty autodetects the first EiBotBoard")
	listenAddr = flag.String("addr", envOr("AXIDRAWD_ADDR", ":8081"), "HTTP listen address")
	publicDir  = flag.String("public", envOr("AXIDRAWD_PUBLIC", ""), "directory of static web UI assets; empty disables static serving")
	model      = flag.String("model", envOr("AXIDRAWD_MODEL", "V3"), "motion model name, see motion.Models")
	profile    = flag.String("profile", envOr("AXIDRAWD_SERVO_PROFILE", "standard"), "servo profile: standard or narrowband")
	autoOpen   = flag.Bool("connect", envOr("AXIDRAWD_AUTOCONNECT", "true") == "true", "connect and initialize the board at startup")
)

func main() {
	flag.Parse()
	log.SetFlags(log.Flags() &^ (log.Ldate | log.Ltime))
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "axidrawd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	mm, ok := motion.Models[*model]
	if !ok {
		return fmt.Errorf("unknown motion model %q", *model)
	}
	var prof servo.Profile
	switch *profile {
	case "standard":
		prof = servo.Standard
	case "narrowband":
		prof = servo.NarrowBand
	default:
		return fmt.Errorf("-profile must be 'standard' or 'narrowband'")
	}

	drv := serial.New(serial.Config{Device: *device})
	facade := axidraw.New(drv, axidraw.DefaultConfig(mm, prof))

	if *autoOpen {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := facade.EnsureReady(ctx)
		cancel()
		if err != nil {
			log.Printf("startup connect failed, continuing disconnected: %v", err)
		}
	}

	q := queue.New(queue.Config{Execute: facade.Execute})
	defer q.Close()

	onMovement := func(m spatial.Movement) spatial.Completion {
		var err error
		if m.PenDown {
			err = facade.LineTo(context.Background(), m.DX, m.DY, axidraw.UnitMM, motion.MoveOptions{})
		} else {
			err = facade.Move(context.Background(), m.DX, m.DY, axidraw.UnitMM, motion.MoveOptions{})
		}
		return spatial.Immediate(err)
	}
	proc := spatial.New(spatial.ModeVelocity, spatial.DefaultConfig(), onMovement)
	proc.StartTick()
	defer proc.StopTick()

	hub := session.New(session.Config{Facade: facade, Driver: drv, Spatial: proc, Queue: q})
	q.OnUpdate = hub.PublishQueueUpdate

	srv := httpapi.New(httpapi.Config{
		Facade:     facade,
		Driver:     drv,
		Queue:      q,
		Hub:        hub,
		Spatial:    proc,
		PublicRoot: *publicDir,
	})

	httpServer := &http.Server{
		Addr:    *listenAddr,
		Handler: srv,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("axidrawd: listening on %s", *listenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	select {
	case <-quit:
		log.Println("axidrawd: shutting down")
	case err := <-errCh:
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		return err
	}
	if err := facade.Disconnect(ctx); err != nil {
		log.Printf("axidrawd: disconnect: %v", err)
	}
	return nil
}
