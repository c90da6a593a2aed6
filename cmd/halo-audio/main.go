// ABOUTME: Entry point for the halo audio client
// ABOUTME: Parses CLI flags, wires the app, and runs until interrupted
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Openhalo-Project/halo-go/internal/app"
	"github.com/Openhalo-Project/halo-go/internal/config"
	"github.com/Openhalo-Project/halo-go/internal/device"
	audiocodec "github.com/Openhalo-Project/halo-go/pkg/audio/codec"
)

var (
	configPath  = flag.String("config", defaultConfigPath(), "Config file path")
	logFile     = flag.String("log-file", "", "Also log to this file")
	listDevices = flag.Bool("list-devices", false, "List audio devices and exit")
	playTrack   = flag.String("play", "", "Play a local audio file and exit on completion")
	robotVoice  = flag.Bool("robot-voice", false, "Enable the robot voice effect on playback")
)

func defaultConfigPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.halo/config.yaml"
	}
	return "halo.yaml"
}

func main() {
	flag.Parse()

	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666)
		if err != nil {
			log.Fatalf("error opening log file: %v", err)
		}
		defer func() { _ = f.Close() }()
		log.SetOutput(io.MultiWriter(os.Stderr, f))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	if *robotVoice {
		cfg.Effects.RobotVoiceEnabled = true
	}

	backend, err := device.NewMalgoBackend()
	if err != nil {
		log.Fatalf("Audio backend unavailable: %v", err)
	}
	defer backend.Close()

	if *listDevices {
		if err := printDevices(backend); err != nil {
			log.Fatalf("Device enumeration failed: %v", err)
		}
		return
	}

	vc, err := audiocodec.New()
	if err != nil {
		log.Fatalf("Voice codec init failed: %v", err)
	}

	a := app.New(cfg, backend, vc, nil, nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *playTrack != "" {
		go runTrack(ctx, stop, a, *playTrack)
	}

	if err := a.Run(ctx); err != nil {
		log.Fatalf("Audio client failed: %v", err)
	}

	// Write back resolved device profiles for the next run.
	if err := config.Save(cfg, *configPath); err != nil {
		log.Printf("Warning: could not save config: %v", err)
	}
	log.Printf("Shutdown complete")
}

func printDevices(backend device.Backend) error {
	for _, dir := range []device.Direction{device.Capture, device.Render} {
		infos, err := backend.Enumerate(dir)
		if err != nil {
			return err
		}
		fmt.Printf("%s devices:\n", dir)
		for _, info := range infos {
			marker := " "
			if info.IsDefault {
				marker = "*"
			}
			note := ""
			if device.IsVirtualDevice(info.Name) {
				note = " (virtual)"
			}
			fmt.Printf("  %s %s (%dHz %dch)%s\n", marker, info.Name, info.SampleRate, info.Channels, note)
		}
	}
	return nil
}

// runTrack plays one file and shuts the client down when it finishes.
func runTrack(ctx context.Context, stop func(), a *app.App, path string) {
	// Give Run a moment to open the devices.
	select {
	case <-time.After(500 * time.Millisecond):
	case <-ctx.Done():
		return
	}
	player := a.Player()
	if err := player.Play(path, 0); err != nil {
		log.Printf("Playback failed: %v", err)
		stop()
		return
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Printf("%s", player.StatusString())
			if player.StatusString() == "stopped" {
				stop()
				return
			}
		}
	}
}
