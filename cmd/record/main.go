package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/happybits/funnel-stream/internal/audio"
	"github.com/happybits/funnel-stream/internal/config"
	"github.com/happybits/funnel-stream/internal/protocol"
	"github.com/happybits/funnel-stream/internal/recorder"
	"github.com/happybits/funnel-stream/internal/transport"
)

func main() {
	serverURL := flag.String("server", "ws://127.0.0.1:8080", "Relay server base URL (ws:// or wss://)")
	configPath := flag.String("config", "", "Optional config file supplying the audio frame cadence")
	input := flag.String("in", "-", "Input audio file, or - for stdin")
	format := flag.String("format", "pcm16", "Input sample format: pcm16 or f32le")
	channels := flag.Int("channels", 1, "Channel count of f32le input; extra channels are dropped")
	sampleRate := flag.Int("rate", 16000, "Sample rate of the input audio in Hz")
	frameMS := flag.Int("frame-ms", 0, "Milliseconds of audio per stream frame (0 = configured default)")
	minDuration := flag.Duration("min-duration", 0, "Minimum recording duration, shorter recordings are abandoned")
	realtime := flag.Bool("realtime", false, "Pace frames at playback speed instead of streaming as fast as possible")
	verbose := flag.Bool("verbose", false, "Print interim segments and loudness levels")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(*verbose),
	}))

	if !config.SampleRateValid(*sampleRate) {
		fmt.Fprintf(os.Stderr, "sample rate %d outside supported range [%d, %d]\n",
			*sampleRate, protocol.MinSampleRate, protocol.MaxSampleRate)
		os.Exit(1)
	}

	audioCfg := config.Default().Audio
	if *configPath != "" {
		fileCfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		audioCfg = fileCfg.Audio
	}
	frameDur := audioCfg.GetFrameDuration()
	if *frameMS > 0 {
		frameDur = time.Duration(*frameMS) * time.Millisecond
	}

	raw, err := readInput(*input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read input: %v\n", err)
		os.Exit(1)
	}

	source, total, err := buildSource(raw, *format, *channels, *sampleRate, frameDur, *realtime)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cfg := recorder.Config{
		SampleRate:  *sampleRate,
		MinDuration: *minDuration,
	}
	if *verbose {
		cfg.OnSegment = func(seg protocol.TranscriptSegment) {
			marker := " "
			if seg.IsFinal {
				marker = "*"
			}
			fmt.Fprintf(os.Stderr, "%s %6.2fs  %s\n", marker, seg.End, seg.Text)
		}
		cfg.OnLevel = func(level float64) {
			logger.Debug("Capture level", slog.Float64("level", level))
		}
	}

	rec := recorder.New(cfg, source, recorder.TransportDialer(transport.Config{
		ServerURL: *serverURL,
	}, logger), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rec.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start recording: %v\n", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Stream until the input is drained or the user interrupts.
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

wait:
	for {
		select {
		case sig := <-sigChan:
			logger.Info("Interrupted, stopping recording", slog.String("signal", sig.String()))
			break wait
		case <-ticker.C:
			if rec.SentBytes() >= total {
				break wait
			}
			if rec.State() == recorder.StateFailed {
				break wait
			}
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Minute)
	defer stopCancel()

	result, err := rec.Stop(stopCtx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "recording failed: %v\n", err)
		os.Exit(1)
	}

	if result.Partial {
		fmt.Fprintln(os.Stderr, "warning: transcript is partial, the backend did not confirm completion")
	}
	fmt.Fprintf(os.Stderr, "session %s, %.2fs of audio\n", result.SessionID, result.DurationSec)
	fmt.Println(result.Transcript)
}

// buildSource turns the raw input bytes into a playback source in the
// PCM-16 wire format, returning the number of bytes that will reach the
// wire once the source drains.
func buildSource(raw []byte, format string, channels, sampleRate int,
	frameDur time.Duration, paced bool) (*audio.MemorySource, int64, error) {

	switch format {
	case "pcm16":
		if len(raw) == 0 || len(raw)%2 != 0 {
			return nil, 0, fmt.Errorf("input must be non-empty PCM16LE, got %d bytes", len(raw))
		}
		return audio.NewMemorySource(raw, sampleRate, frameDur, paced), int64(len(raw)), nil
	case "f32le":
		samples, err := audio.Float32FromBytes(raw)
		if err != nil || len(samples) == 0 {
			return nil, 0, fmt.Errorf("input must be non-empty float32 frames, got %d bytes", len(raw))
		}
		if channels < 1 {
			channels = 1
		}
		mono := len(samples)
		if channels > 1 {
			mono = len(samples) / channels
		}
		return audio.NewFloat32MemorySource(samples, channels, sampleRate, frameDur, paced),
			int64(mono * 2), nil
	default:
		return nil, 0, fmt.Errorf("unknown input format %q, want pcm16 or f32le", format)
	}
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func logLevel(verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelWarn
}
