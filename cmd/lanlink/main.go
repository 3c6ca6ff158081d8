// Lanlink — CLI entry point.
//
// This tool joins a relay service that emulates local wireless multiplayer
// over the internet, and optionally hosts a direct P2P session so peers can
// bypass the relay once a NAT mapping is in place.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-server, -passphrase, -p2p, -status, -debug).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/pterm/pterm"

	"github.com/nxlan/lanlink/internal/config"
	"github.com/nxlan/lanlink/internal/natmap"
	"github.com/nxlan/lanlink/internal/protocol"
	"github.com/nxlan/lanlink/internal/proxy"
	"github.com/nxlan/lanlink/internal/relay"
	"github.com/nxlan/lanlink/internal/status"
	"github.com/nxlan/lanlink/internal/util"
)

var version = "dev"

// updateInterval paces the relay client's cooperative driver.
const updateInterval = 10 * time.Millisecond

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	server := flag.String("server", "", "Relay server address (host:port)")
	passphrase := flag.String("passphrase", "", "Room passphrase (optional)")
	p2pFlag := flag.Bool("p2p", true, "Host a direct P2P session with NAT punch")
	statusAddr := flag.String("status", "", "Status feed listen address (e.g. 127.0.0.1:7580), empty disables")
	portBase := flag.Int("portBase", proxy.DefaultPortBase, "First port of the P2P listen range")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Lanlink — v%s", version))
	pterm.Println()

	cfg := config.Config{
		ServerAddr: *server,
		Passphrase: *passphrase,
		P2P:        *p2pFlag,
		PortBase:   *portBase,
		StatusAddr: *statusAddr,
		Debug:      *debugMode,
	}

	if cfg.ServerAddr == "" {
		// No -server flag → interactive mode.
		if err := promptConfig(&cfg); err != nil {
			util.LogError("interactive setup failed: %v", err)
			os.Exit(1)
		}
	}

	if err := run(ctx, cfg); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

// promptConfig gathers the missing parameters interactively.
func promptConfig(cfg *config.Config) error {
	server, err := pterm.DefaultInteractiveTextInput.Show("Relay server address (host:port)")
	if err != nil {
		return err
	}
	cfg.ServerAddr = server

	pass, err := pterm.DefaultInteractiveTextInput.Show("Room passphrase (empty for public)")
	if err != nil {
		return err
	}
	cfg.Passphrase = pass

	p2p, err := pterm.DefaultInteractiveConfirm.WithDefaultValue(true).
		Show("Host a direct P2P session?")
	if err != nil {
		return err
	}
	cfg.P2P = p2p
	return nil
}

// run wires the engine together and drives the relay client until shutdown.
func run(ctx context.Context, cfg config.Config) error {
	// Status feed (optional).
	var feed *status.Feed
	if cfg.StatusAddr != "" {
		feed = status.NewFeed()
		port, err := feed.Start(cfg.StatusAddr)
		if err != nil {
			return fmt.Errorf("status feed: %w", err)
		}
		defer feed.Close()
		util.LogInfo("status feed on ws://127.0.0.1:%d/status", port)
	}

	// P2P host (optional; NAT punch failure is non-fatal).
	var host *proxy.Host
	if cfg.P2P {
		host = proxy.NewHost(proxy.HostConfig{
			PortBase:          cfg.PortBase,
			BroadcastLoopback: true,
			Mapper:            natmap.NewMapper(),
			OnSessionClosed: func(virtualIP uint32) {
				util.LogInfo("p2p session %s closed", proxy.Uint32ToIP(virtualIP))
			},
		})
		if err := host.Start(); err != nil {
			return err
		}
		defer host.Stop()

		if err := host.NatPunch(); err != nil {
			util.LogWarning("NAT punch unavailable, serving local network only: %v", err)
		}
	}

	// Relay client.
	client := relay.New(relay.Config{
		ServerAddr: cfg.ServerAddr,
		Passphrase: cfg.Passphrase,
		Observer: func(old, new relay.State, ev relay.Event) {
			util.LogDebug("relay %s → %s (%s)", old, new, ev)
			if feed != nil {
				feed.PublishState(new.String(), ev.String())
			}
		},
		OnPacket: func(pkt *protocol.Packet) {
			switch pkt.Header.Type {
			case protocol.TypeExternalToken:
				tok, err := protocol.DecodeExternalToken(pkt.Payload)
				if err != nil {
					return
				}
				if host != nil {
					host.AddWaitingToken(tok)
				}
			default:
				util.LogDebug("unhandled relay packet %#02x (%d bytes)",
					pkt.Header.Type, pkt.Header.DataSize)
			}
		},
	})
	if err := client.Connect(); err != nil {
		return err
	}

	util.StartStatsReporter(ctx)
	go publishStats(ctx, feed)

	// Cooperative driver loop.
	ticker := time.NewTicker(updateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := client.Update(); err != nil {
				util.LogError("relay: %v", err)
			}
			if client.State() == relay.StateError {
				return fmt.Errorf("relay connection failed; manual reconnect required (last code %d)",
					client.LastErrorCode())
			}
		case <-ctx.Done():
			pterm.Println()
			util.LogInfo("shutting down")
			if client.State() != relay.StateDisconnected {
				client.Close()
			}
			return nil
		}
	}
}

// publishStats mirrors the counter snapshot onto the status feed.
func publishStats(ctx context.Context, feed *status.Feed) {
	if feed == nil {
		return
	}
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			feed.PublishStats(util.Stats.Snapshot())
		case <-ctx.Done():
			return
		}
	}
}
