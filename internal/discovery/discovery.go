// Package discovery implements the UDP beacon responder (C9): a bound
// datagram socket that answers any inbound packet whose payload contains
// "discovery" with a framed DiscoveryResponse advertising this host's name
// and TLS fingerprint, so clients on the LAN can find the daemon before
// they've paired.
package discovery

import (
	"net"
	"strings"

	"golang.org/x/net/ipv4"

	"github.com/wayhost/deskbridge/internal/logging"
	"github.com/wayhost/deskbridge/internal/protocol"
)

var log = logging.L("discovery")

const triggerSubstring = "discovery"

// maxDatagramSize bounds the read buffer; beacon probes are tiny.
const maxDatagramSize = 1024

// Responder answers discovery beacons on a UDP socket.
type Responder struct {
	conn        *net.UDPConn
	pconn       *ipv4.PacketConn
	serverName  string
	fingerprint string

	stopCh chan struct{}
}

// Start binds addr (host:port, e.g. "0.0.0.0:12346") and begins answering
// beacons in a background goroutine. serverName and fingerprint are
// included verbatim in every DiscoveryResponse.
func Start(addr, serverName, fingerprint string) (*Responder, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	// Room for a burst of probes; this responder only ever replies
	// unicast to the sender.
	if err := conn.SetReadBuffer(maxDatagramSize * 64); err != nil {
		log.Debug("could not size UDP read buffer", "error", err)
	}

	// ipv4.PacketConn exposes the per-datagram destination address and
	// arrival interface via control messages, so a probe sent to the
	// subnet broadcast address can be told apart from one sent directly
	// at this host, and replies go back out the same interface the probe
	// arrived on (relevant on a multi-homed desktop with more than one
	// LAN-facing NIC).
	pconn := ipv4.NewPacketConn(conn)
	if err := pconn.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true); err != nil {
		log.Debug("could not enable IPv4 control messages", "error", err)
	}

	r := &Responder{
		conn:        conn,
		pconn:       pconn,
		serverName:  serverName,
		fingerprint: fingerprint,
		stopCh:      make(chan struct{}),
	}
	log.Info("UDP discovery responder active", "addr", conn.LocalAddr().String())
	go r.loop()
	return r, nil
}

// Stop closes the socket, ending the responder's goroutine.
func (r *Responder) Stop() {
	r.conn.Close()
	close(r.stopCh)
}

func (r *Responder) loop() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, cm, src, err := r.pconn.ReadFrom(buf)
		if err != nil {
			select {
			case <-r.stopCh:
				return
			default:
				log.Debug("discovery read failed, continuing", "error", err)
				continue
			}
		}

		msg := string(buf[:n])
		if !strings.Contains(msg, triggerSubstring) {
			continue
		}

		fp := r.fingerprint
		resp := protocol.DiscoveryResponse{
			ServerName:  r.serverName,
			Fingerprint: &fp,
		}
		frame, err := protocol.EncodeFrame("discovery_response", resp)
		if err != nil {
			log.Warn("failed to encode discovery response", "error", err)
			continue
		}

		var reply ipv4.ControlMessage
		if cm != nil {
			reply.IfIndex = cm.IfIndex
			if cm.Dst != nil && !cm.Dst.IsGlobalUnicast() {
				log.Debug("discovery probe addressed to broadcast", "ifIndex", cm.IfIndex, "dst", cm.Dst.String())
			}
		}
		if _, err := r.pconn.WriteTo(frame, &reply, src); err != nil {
			log.Debug("failed to send discovery response", "peer", src.String(), "error", err)
		}
	}
}
