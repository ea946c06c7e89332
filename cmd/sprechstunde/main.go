// Sprechstunde runs a live voice lesson with Herr Müller, the German tutor:
// microphone audio streams to the Gemini Live API, the tutor's voice plays
// back gaplessly, and the transcript of every lesson is merged into the
// academic archive in Postgres.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/sprachlab/sprechstunde/pkg/audio"
	"github.com/sprachlab/sprechstunde/pkg/config"
	"github.com/sprachlab/sprechstunde/pkg/live"
	"github.com/sprachlab/sprechstunde/pkg/metrics"
	"github.com/sprachlab/sprechstunde/pkg/playback"
	"github.com/sprachlab/sprechstunde/pkg/session"
	"github.com/sprachlab/sprechstunde/pkg/store"
	"github.com/sprachlab/sprechstunde/pkg/transcript"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	})))

	if err := run(cfg); err != nil {
		slog.Error("sprechstunde failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(cfg.MetricsAddr); err != nil {
				slog.Error("metrics listener failed", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
	}

	var persistence session.Persistence
	if cfg.DatabaseURL != "" {
		st, err := store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			// The archive is optional: the lesson runs without it.
			slog.Warn("transcript store unavailable, running without archive", "error", err)
		} else {
			defer st.Close()
			if err := st.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate transcript store: %w", err)
			}
			persistence = st
		}
	} else {
		slog.Info("DATABASE_URL not set, transcripts will not be persisted")
	}

	sess, err := session.New(session.Options{
		Config:      cfg,
		Persistence: persistence,
		OpenCapture: func() (session.Capture, error) {
			return audio.OpenCapture()
		},
		OpenPlayer: func() (session.Player, error) {
			speaker, err := playback.OpenSpeaker()
			if err != nil {
				return nil, err
			}
			return &speakerPlayer{
				Scheduler: playback.NewScheduler(
					playback.NewSystemClock(), speaker, audio.OutputSampleRate,
					playback.WithActivityFunc(func(speaking bool) {
						if speaking {
							fmt.Println("… Herr Müller vorbește")
						}
					}),
				),
				speaker: speaker,
			}, nil
		},
		Dial: func(ctx context.Context, instruction string) (session.Transport, error) {
			return live.Dial(ctx, live.Config{
				APIKey:            cfg.APIKey,
				Model:             cfg.Model,
				Voice:             cfg.Voice,
				SystemInstruction: instruction,
			})
		},
		OnState: func(st session.State) {
			slog.Info("session state", "state", st.String())
		},
		OnLine: func(line transcript.Line) {
			fmt.Printf("[%s] %s: %s\n",
				line.Timestamp.Format("15:04:05"), line.Speaker, line.Text)
		},
		OnName: func(name string) {
			fmt.Printf("— dosar academic deschis pentru %s —\n", name)
		},
	})
	if err != nil {
		return err
	}

	fmt.Println("Sprechstunde — lecția de germană cu Herr Müller")
	fmt.Println("Vorbește liber; Ctrl+C încheie sesiunea și salvează dosarul.")

	if err := sess.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nSe încheie sesiunea…")
		sess.Disconnect()
		<-sess.Done()
	case <-sess.Done():
		// Remote side ended the stream; teardown already ran.
	}
	return nil
}

// speakerPlayer bundles the scheduler with its speaker so closing the
// session closes both.
type speakerPlayer struct {
	*playback.Scheduler
	speaker *playback.Speaker
}

func (p *speakerPlayer) Close() {
	p.Scheduler.Close()
	p.speaker.Close()
}
