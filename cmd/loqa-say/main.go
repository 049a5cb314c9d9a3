package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-espeak/internal/audioout"
	"github.com/loqalabs/loqa-espeak/internal/bus"
	"github.com/loqalabs/loqa-espeak/internal/client"
	"github.com/loqalabs/loqa-espeak/internal/config"
	"github.com/loqalabs/loqa-espeak/internal/logging"
	"github.com/loqalabs/loqa-espeak/internal/protocol"
)

var version = "0.1.0-dev"

type sayOptions struct {
	configPath string
	subject    string
	outPath    string
	play       bool
	chunk      uint
	timeout    time.Duration
	verbose    bool
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'say', 'shutdown' or 'version'")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch os.Args[1] {
	case "say":
		var opts sayOptions
		sayCmd := flag.NewFlagSet("say", flag.ExitOnError)
		addCommonFlags(sayCmd, &opts)
		sayCmd.StringVar(&opts.outPath, "out", "", "Write received audio to this WAV file")
		sayCmd.BoolVar(&opts.play, "play", false, "Play received audio on the default output device")
		sayCmd.UintVar(&opts.chunk, "chunk", 0, "Preferred samples per frame (0 keeps the server default)")
		sayCmd.Parse(os.Args[2:])
		text := strings.Join(sayCmd.Args(), " ")
		if text == "" {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			text = strings.TrimSpace(string(data))
		}
		if err := runSay(ctx, opts, text); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "shutdown":
		var opts sayOptions
		shutdownCmd := flag.NewFlagSet("shutdown", flag.ExitOnError)
		addCommonFlags(shutdownCmd, &opts)
		shutdownCmd.Parse(os.Args[2:])
		if err := runShutdown(ctx, opts); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("server acknowledged shutdown")
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func addCommonFlags(fs *flag.FlagSet, opts *sayOptions) {
	fs.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	fs.StringVar(&opts.subject, "subject", "", "Server subject (defaults to server.subject from config)")
	fs.DurationVar(&opts.timeout, "timeout", 30*time.Second, "Overall timeout")
	fs.BoolVar(&opts.verbose, "v", false, "Log bus activity to stderr")
}

func connect(ctx context.Context, opts sayOptions) (*client.Client, *bus.Client, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, nil, err
	}
	log := logging.Discard()
	if opts.verbose {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	subject := opts.subject
	if subject == "" {
		subject = cfg.Server.Subject
	}
	busCfg := cfg.Bus
	if busCfg.Embedded {
		busCfg.Servers = []string{fmt.Sprintf("nats://%s:%d", busCfg.Host, busCfg.Port)}
	}
	b, err := bus.Connect(ctx, busCfg, "loqa-say", log)
	if err != nil {
		return nil, nil, err
	}
	return client.New(b, subject), b, nil
}

func runSay(ctx context.Context, opts sayOptions, text string) error {
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	c, b, err := connect(ctx, opts)
	if err != nil {
		return err
	}
	defer b.Close()

	destination := "loqa.say." + uuid.NewString()
	stream, err := c.Subscribe(ctx, destination, 1024)
	if err != nil {
		return err
	}
	defer stream.Close()

	var hint *uint32
	if opts.chunk > 0 {
		n := uint32(opts.chunk)
		hint = &n
	}
	if err := c.RegisterSubscriber(destination, 0, hint); err != nil {
		return err
	}
	if err := c.Synthesize(text); err != nil {
		return err
	}

	frames, err := stream.Collect(ctx)
	if err != nil {
		return fmt.Errorf("receive audio: %w", err)
	}

	var (
		samples []int16
		rate    int
	)
	for _, f := range frames {
		samples = append(samples, f.Samples()...)
		if f.SampleRate > 0 {
			rate = f.SampleRate
		}
	}
	last := frames[len(frames)-1]
	fmt.Fprintf(os.Stderr, "%d frames, %d samples at %d Hz (%s)\n", len(frames), len(samples), rate, last.Control)

	if opts.outPath != "" {
		if err := writeWAV(opts.outPath, frames); err != nil {
			return err
		}
	}
	if opts.play {
		player, err := audioout.NewPlayer()
		if err != nil {
			return err
		}
		defer player.Close()
		if err := player.Play(ctx, samples, rate); err != nil {
			return err
		}
	}
	if last.Control == protocol.ControlAbort {
		return errors.New("synthesis aborted")
	}
	return nil
}

func writeWAV(path string, frames []protocol.Frame) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := audioout.NewWAVWriter(f, 22050)
	for _, fr := range frames {
		if err := w.WriteFrame(fr); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func runShutdown(ctx context.Context, opts sayOptions) error {
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	c, b, err := connect(ctx, opts)
	if err != nil {
		return err
	}
	defer b.Close()

	ack, err := c.Shutdown(ctx)
	if err != nil {
		return err
	}
	if ack.Ack != 1 {
		return fmt.Errorf("unexpected acknowledgement %d", ack.Ack)
	}
	return nil
}
