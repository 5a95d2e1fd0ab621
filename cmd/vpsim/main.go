// Command vpsim assembles the platform described by a yaml machine
// description and runs it, bridging the host terminal to the virtio console.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/vpsim/vpsim/internal/platform"
)

func main() {
	configPath := flag.String("config", "machine.yaml", "machine description")
	runFor := flag.Duration("run", 0, "stop after this much simulated time (0 = run until interrupted)")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(*configPath, *runFor); err != nil {
		slog.Error("vpsim failed", "err", err)
		os.Exit(1)
	}
}

func run(configPath string, runFor time.Duration) error {
	cfg, err := platform.Load(configPath)
	if err != nil {
		return err
	}

	p, err := platform.Build(cfg, platform.Options{ConsoleOutput: os.Stdout})
	if err != nil {
		return err
	}
	defer p.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if p.Console != nil && term.IsTerminal(int(os.Stdin.Fd())) {
		state, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("raw terminal: %w", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), state)
	}

	group, ctx := errgroup.WithContext(ctx)

	if p.Console != nil {
		// Detached: a blocked stdin read must not hold up shutdown.
		go func() {
			buf := make([]byte, 256)
			for ctx.Err() == nil {
				n, err := os.Stdin.Read(buf)
				if err != nil {
					return
				}
				p.Console.InjectInput(buf[:n])
			}
		}()
	}

	group.Go(func() error {
		deadline := runFor
		for ctx.Err() == nil {
			target := p.Sched.Now() + p.Sched.Quantum()
			p.Sched.RunUntil(target)
			if deadline > 0 && p.Sched.Now() >= deadline {
				stop()
				return nil
			}
		}
		return nil
	})

	return group.Wait()
}
