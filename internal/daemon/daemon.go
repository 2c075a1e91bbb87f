// Package daemon wires every collaborator package into a single running
// process (C10): load configuration and TLS identity, open the device
// registry and audit log, start the discovery beacon, accept TLS
// connections, and hand each one to a session.Session. This is the only
// package that constructs the others; nothing here implements protocol
// logic itself.
package daemon

import (
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/wayhost/deskbridge/internal/appscanner"
	"github.com/wayhost/deskbridge/internal/audio"
	"github.com/wayhost/deskbridge/internal/audit"
	"github.com/wayhost/deskbridge/internal/capture"
	"github.com/wayhost/deskbridge/internal/config"
	"github.com/wayhost/deskbridge/internal/connregistry"
	"github.com/wayhost/deskbridge/internal/devicestore"
	"github.com/wayhost/deskbridge/internal/discovery"
	"github.com/wayhost/deskbridge/internal/eventhandler"
	"github.com/wayhost/deskbridge/internal/health"
	"github.com/wayhost/deskbridge/internal/injector"
	"github.com/wayhost/deskbridge/internal/logging"
	"github.com/wayhost/deskbridge/internal/media"
	"github.com/wayhost/deskbridge/internal/mirror"
	"github.com/wayhost/deskbridge/internal/notifier"
	"github.com/wayhost/deskbridge/internal/pointer"
	"github.com/wayhost/deskbridge/internal/protocol"
	"github.com/wayhost/deskbridge/internal/session"
	"github.com/wayhost/deskbridge/internal/tlsmaterial"
)

var log = logging.L("daemon")

// Daemon owns every long-lived collaborator and the TLS accept loop.
type Daemon struct {
	Cfg     *config.Config
	CfgPath string

	Identity  *tlsmaterial.Identity
	Devices   *devicestore.Store
	Audit     *audit.Logger
	Health    *health.Monitor
	Discovery *discovery.Responder
	Conns     *connregistry.Registry
	Handler   *eventhandler.Handler
	Injector  injector.Injector
	Notifier  *notifier.Notifier
	Media     *media.Client

	listener net.Listener

	wg       sync.WaitGroup
	closeOne sync.Once
	stopCh   chan struct{}
}

// New loads every collaborator from cfg and wires an eventhandler.Handler
// on top of them. It does not start accepting connections; call Run for
// that.
func New(cfg *config.Config, cfgPath string) (*Daemon, error) {
	d := &Daemon{
		Cfg:     cfg,
		CfgPath: cfgPath,
		Health:  health.NewMonitor(),
		Conns:   connregistry.New(),
		stopCh:  make(chan struct{}),
	}

	identity, err := tlsmaterial.Load(config.GetDataDir())
	if err != nil {
		d.Health.Update("tlsmaterial", health.Unhealthy, err.Error())
		return nil, fmt.Errorf("daemon: load TLS identity: %w", err)
	}
	d.Identity = identity
	d.Health.Update("tlsmaterial", health.Healthy, identity.Fingerprint)

	devices, err := devicestore.Open(config.GetDataDir())
	if err != nil {
		d.Health.Update("devicestore", health.Unhealthy, err.Error())
		return nil, fmt.Errorf("daemon: open device registry: %w", err)
	}
	d.Devices = devices
	d.Health.Update("devicestore", health.Healthy, fmt.Sprintf("%d known devices", len(devices.Snapshot())))

	if cfg.AuditEnabled {
		auditLogger, err := audit.NewLogger(cfg.AuditMaxSizeMB, cfg.AuditMaxBackups)
		if err != nil {
			log.Warn("audit log unavailable, continuing without it", "error", err)
			d.Health.Update("audit", health.Degraded, err.Error())
		} else {
			d.Audit = auditLogger
			d.Health.Update("audit", health.Healthy, "")
		}
	}

	d.Injector = newInjector(d.Health)

	if mediaClient, err := media.Connect(); err != nil {
		log.Info("no media player backend available", "error", err)
		d.Health.Update("media", health.Degraded, err.Error())
	} else {
		d.Media = mediaClient
		d.Health.Update("media", health.Healthy, "")
	}

	if n, err := notifier.Connect(); err != nil {
		log.Info("no desktop notification backend available", "error", err)
		d.Health.Update("notifier", health.Degraded, err.Error())
	} else {
		d.Notifier = n
		d.Health.Update("notifier", health.Healthy, "")
	}

	pointerTick := time.Duration(cfg.PointerTickMs) * time.Millisecond
	if pointerTick <= 0 {
		pointerTick = 4 * time.Millisecond
	}
	pointerMgr, err := pointer.New(pointerTick, pointer.OverlayAddr)
	if err != nil {
		return nil, fmt.Errorf("daemon: start pointer manager: %w", err)
	}
	d.Health.Update("pointer", health.Healthy, "")

	d.Handler = eventhandler.New(eventhandler.Handler{
		Devices:     devices,
		Conns:       d.Conns,
		Mirror:      mirror.New(capture.NewNullSource()),
		Pointer:     pointerMgr,
		Injector:    d.Injector,
		Media:       d.Media,
		Notifier:    d.Notifier,
		Audio:       audio.NewNullSource(),
		Audit:       d.Audit,
		Cfg:         cfg,
		CfgPath:     cfgPath,
		Fingerprint: identity.Fingerprint,
	})
	d.Health.Update("capture", health.Degraded, "no compositor capture backend wired")
	d.Health.Update("audio", health.Degraded, "no spectrum analyzer backend wired")
	d.Health.Update("appscanner", health.Healthy, fmt.Sprintf("%d apps indexed", len(appscanner.Scan(cfg.AppScanMaxApps))))

	responder, err := discovery.Start(fmt.Sprintf("0.0.0.0:%d", cfg.DiscoveryPort), cfg.ServerName, identity.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("daemon: start discovery responder: %w", err)
	}
	d.Discovery = responder
	d.Health.Update("discovery", health.Healthy, "")

	return d, nil
}

// newInjector prefers the Wayland virtual-input protocol and falls back to
// uinput when no compositor session exposes it; if neither is available
// the daemon still runs (pairing, status, mirroring) with input injection
// reported unhealthy.
func newInjector(h *health.Monitor) injector.Injector {
	if inj, err := injector.NewWaylandInjector(); err == nil {
		h.Update("injector", health.Healthy, "wayland-virtual-input")
		return inj
	} else {
		log.Debug("wayland virtual-input unavailable, trying uinput", "error", err)
	}

	if inj, err := injector.NewUinputInjector(); err == nil {
		h.Update("injector", health.Healthy, "uinput")
		return inj
	} else {
		log.Warn("no input injection backend available", "error", err)
		h.Update("injector", health.Unhealthy, err.Error())
	}
	return nil
}

// Run binds the TLS listener and accepts connections until Shutdown is
// called or the listener errors. It blocks until the accept loop exits.
func (d *Daemon) Run() error {
	ln, err := tls.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", d.Cfg.Port), d.Identity.TLSConfig)
	if err != nil {
		return fmt.Errorf("daemon: listen: %w", err)
	}
	d.listener = ln
	log.Info("accepting connections", "addr", ln.Addr().String(), "fingerprint", d.Identity.Fingerprint)

	for {
		raw, err := ln.Accept()
		if err != nil {
			select {
			case <-d.stopCh:
				return nil
			default:
				log.Warn("accept failed, continuing", "error", err)
				continue
			}
		}
		d.wg.Add(1)
		go d.handleConn(raw)
	}
}

func (d *Daemon) handleConn(raw net.Conn) {
	defer d.wg.Done()

	connID := raw.RemoteAddr().String()
	deviceIP := normalizeIP(raw.RemoteAddr())

	disableNagle(raw)

	conn := protocol.NewConn(raw)
	sess := session.New(conn, connID, deviceIP, d.Handler, d.Conns, d.Devices,
		audio.NewNullSource(), d.Media, d.Cfg)
	sess.Run()
}

// disableNagle turns off Nagle's algorithm on the accepted connection's
// underlying TCP socket before any producer task starts writing to it.
// Pointer, spectrum, and frame data are small and latency-sensitive;
// batching them behind Nagle's delay would defeat the point of a 16ms
// tick, matching the original's set_nodelay(true) on the same socket.
func disableNagle(raw net.Conn) {
	var underlying net.Conn = raw
	if tlsConn, ok := raw.(*tls.Conn); ok {
		underlying = tlsConn.NetConn()
	}
	tcpConn, ok := underlying.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tcpConn.SetNoDelay(true); err != nil {
		log.Debug("could not disable Nagle's algorithm", "error", err)
	}
}

// normalizeIP strips the port and any IPv4-in-IPv6 prefix, matching the
// original's device_ip normalization so a phone connecting over both
// protocol families is still tracked as one IP-keyed identity.
func normalizeIP(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	host = strings.TrimPrefix(host, "::ffff:")
	if host == "::1" {
		host = "127.0.0.1"
	}
	return host
}

// Shutdown stops accepting new connections, closes the discovery
// responder, and waits (with a bound) for in-flight connections to drain.
func (d *Daemon) Shutdown(drain time.Duration) {
	d.closeOne.Do(func() {
		close(d.stopCh)
		if d.listener != nil {
			d.listener.Close()
		}
		if d.Discovery != nil {
			d.Discovery.Stop()
		}
	})

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drain):
		log.Warn("shutdown drain timed out, exiting with connections still open")
	}

	if d.Audit != nil {
		d.Audit.Close()
	}
	if d.Notifier != nil {
		d.Notifier.Close()
	}
	if d.Media != nil {
		d.Media.Close()
	}
	if d.Injector != nil {
		d.Injector.Close()
	}
	d.Identity.Close()
}
