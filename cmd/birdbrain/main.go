package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/birdbrainlab/birdbrain/internal/audio"
	"github.com/birdbrainlab/birdbrain/internal/broker"
	"github.com/birdbrainlab/birdbrain/internal/config"
	"github.com/birdbrainlab/birdbrain/internal/observability"
	"github.com/birdbrainlab/birdbrain/internal/personas"
	"github.com/birdbrainlab/birdbrain/internal/realtime"
	"github.com/birdbrainlab/birdbrain/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	persona, err := personas.Lookup(cfg.Persona)
	if err != nil {
		log.Fatalf("persona error: %v (known: %s)", err, strings.Join(personas.Names(), ", "))
	}

	stages := observability.NewLatencyWindow(256)
	credentials := broker.NewClient(cfg.BrokerBaseURL)

	var dump *audio.DumpRecorder
	if cfg.AudioDumpPath != "" {
		dump = audio.NewDumpRecorder(cfg.SampleRate)
	}

	// The playback sink is built from the same engine instance the capture
	// factory handed to the current connection.
	var engineMu sync.Mutex
	var engine *audio.Engine

	newMicrophone := func() realtime.Microphone {
		engineMu.Lock()
		defer engineMu.Unlock()
		engine = audio.NewEngine(cfg.SampleRate, cfg.PlaybackBuffer)
		return engine
	}
	newPlayer := func() (realtime.Player, error) {
		engineMu.Lock()
		eng := engine
		engineMu.Unlock()
		if eng == nil {
			return nil, fmt.Errorf("no audio engine for this connection")
		}
		return eng.NewSink(dump)
	}
	newTransport := func() transport.Transport {
		if cfg.Transport == "socket" {
			return transport.NewSocket(transport.SocketConfig{
				URL:   cfg.RealtimeWSURL,
				Model: cfg.RealtimeModel,
			})
		}
		return transport.NewPeer(transport.PeerConfig{
			URL:        cfg.RealtimeHTTPURL,
			Model:      cfg.RealtimeModel,
			STUNServer: cfg.STUNServer,
			SampleRate: cfg.SampleRate,
		})
	}

	session := realtime.NewSession(realtime.Options{
		Instructions:         persona.Instructions,
		Voice:                cfg.Voice,
		Temperature:          cfg.Temperature,
		MaxOutputTokens:      cfg.MaxOutputTokens,
		IdleTimeout:          cfg.IdleTimeout,
		MaxSessionDuration:   cfg.MaxSessionDuration,
		PolicyCheckInterval:  cfg.PolicyCheckInterval,
		ConnectTimeout:       cfg.ConnectTimeout,
		FarewellTimeout:      cfg.FarewellTimeout,
		ReconnectMaxAttempts: cfg.ReconnectMaxAttempts,
		ReconnectBackoffBase: cfg.ReconnectBackoffBase,
		ReconnectBackoffCap:  cfg.ReconnectBackoffCap,
		Stages:               stages,
	}, credentials, newTransport, newMicrophone, newPlayer)

	log.Printf("session %s: persona %q, voice %q, transport %q", session.ID(), persona.Name, cfg.Voice, cfg.Transport)
	if err := session.Connect(); err != nil {
		log.Fatalf("connect error: %v", err)
	}

	quit := make(chan struct{})
	go commandLoop(session, stages, func() *audio.Engine {
		engineMu.Lock()
		defer engineMu.Unlock()
		return engine
	}, quit)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		log.Printf("shutdown signal received")
	case <-quit:
	}

	if err := session.Disconnect(true); err != nil {
		log.Printf("disconnect error: %v", err)
	}
	if dump != nil && dump.Len() > 0 {
		if err := dump.WriteFile(cfg.AudioDumpPath); err != nil {
			log.Printf("audio dump failed: %v", err)
		} else {
			log.Printf("assistant audio dumped to %s", cfg.AudioDumpPath)
		}
	}
	log.Printf("shutdown complete")
}

// commandLoop drives the session from stdin. It is the whole presentation
// surface of the client build.
func commandLoop(session *realtime.Session, stages *observability.LatencyWindow, currentEngine func() *audio.Engine, quit chan<- struct{}) {
	scanner := bufio.NewScanner(os.Stdin)
	printHelp()
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		cmd, args := fields[0], fields[1:]

		switch cmd {
		case "help":
			printHelp()
		case "status":
			fmt.Printf("status=%s listening=%v voice=%s temperature=%.2f\n",
				session.Status(), session.Listening(), session.Voice(), session.Temperature())
			if eng := currentEngine(); eng != nil {
				rms, peak := eng.Level()
				fmt.Printf("mic level rms=%.3f peak=%.3f\n", rms, peak)
			}
		case "mute":
			on := session.ToggleListening()
			fmt.Printf("listening=%v\n", on)
		case "persona":
			if len(args) != 1 {
				fmt.Printf("usage: persona <name> (known: %s)\n", strings.Join(personas.Names(), ", "))
				continue
			}
			p, err := personas.Lookup(args[0])
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			if err := session.UpdateInstructions(p.Instructions); err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			fmt.Printf("persona=%s (%s)\n", p.Name, p.Summary)
		case "voice":
			if len(args) != 1 {
				fmt.Println("usage: voice <name>")
				continue
			}
			if err := session.SetVoice(args[0]); err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			fmt.Printf("voice=%s\n", args[0])
		case "temp":
			if len(args) != 1 {
				fmt.Println("usage: temp <0.6..1.2>")
				continue
			}
			t, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			if err := session.SetTemperature(t); err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			fmt.Printf("temperature=%.2f\n", t)
		case "reconnect":
			if err := session.Disconnect(false); err != nil {
				fmt.Printf("error: %v\n", err)
			}
		case "stats":
			snap := stages.Snapshot()
			out, err := json.MarshalIndent(snap, "", "  ")
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			fmt.Println(string(out))
		case "quit", "exit":
			close(quit)
			return
		default:
			fmt.Printf("unknown command %q, try help\n", cmd)
		}
	}
	close(quit)
}

func printHelp() {
	fmt.Println("commands: status | mute | persona <name> | voice <name> | temp <t> | reconnect | stats | quit")
}
