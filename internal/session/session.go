// Package session implements the per-connection task group (C4): one
// goroutine reading framed messages into the event handler, one writing
// whatever lands on this connection's outbound queue, and three producer
// loops (metadata, spectrum, frame) that push onto that same queue on
// their own schedule. Every task shares nothing but the queue and the
// handler; a slow or gone peer only ever drops its own data, never blocks
// another connection. The frame loop itself doesn't capture anything — it
// subscribes to the mirror coordinator's shared broadcast topic, since one
// capture pipeline feeds however many trusted connections are watching.
package session

import (
	"time"

	"github.com/wayhost/deskbridge/internal/audio"
	"github.com/wayhost/deskbridge/internal/config"
	"github.com/wayhost/deskbridge/internal/connregistry"
	"github.com/wayhost/deskbridge/internal/devicestore"
	"github.com/wayhost/deskbridge/internal/eventhandler"
	"github.com/wayhost/deskbridge/internal/logging"
	"github.com/wayhost/deskbridge/internal/media"
	"github.com/wayhost/deskbridge/internal/protocol"
)

var log = logging.L("session")

const (
	metadataInterval = 3 * time.Second
	producerTick     = 16 * time.Millisecond
)

// Session is one accepted, TLS-terminated peer connection and its
// producer task group.
type Session struct {
	Conn     *protocol.Conn
	ConnID   string // "ip:port", the connregistry key this connection owns
	DeviceIP string // bare peer IP, used for trust lookups and pointer/mirror keys

	Handler *eventhandler.Handler
	Conns   *connregistry.Registry
	Devices *devicestore.Store

	Audio audio.SpectrumSource
	Media *media.Client // nil if no media player backend is available

	Cfg *config.Config

	queue  connregistry.Queue
	stopCh chan struct{}
}

// New builds a Session. The connection is not yet registered or running;
// call Run to do both.
func New(conn *protocol.Conn, connID, deviceIP string, handler *eventhandler.Handler, conns *connregistry.Registry, devices *devicestore.Store, audioSrc audio.SpectrumSource, mediaClient *media.Client, cfg *config.Config) *Session {
	queueSize := cfg.OutboundQueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Session{
		Conn:     conn,
		ConnID:   connID,
		DeviceIP: deviceIP,
		Handler:  handler,
		Conns:    conns,
		Devices:  devices,
		Audio:    audioSrc,
		Media:    mediaClient,
		Cfg:      cfg,
		queue:    make(connregistry.Queue, queueSize),
		stopCh:   make(chan struct{}),
	}
}

// Run registers the connection, starts every producer task, and blocks on
// the reader loop until the peer disconnects or the connection errors.
// Cleanup (registry removal, stale pending-device eviction, stopping the
// mirror if this peer's device holds it) happens before Run returns.
func (s *Session) Run() {
	s.Conns.Add(s.ConnID, s.DeviceIP, s.queue)
	log.Info("connection accepted", "conn", s.ConnID, "ip", s.DeviceIP)

	go s.writerLoop()
	go s.metadataLoop()
	go s.spectrumLoop()
	go s.frameLoop()

	s.readerLoop()

	close(s.stopCh)
	s.Conns.Remove(s.ConnID)
	if n, err := s.Devices.RemovePendingForIP(s.DeviceIP); err != nil {
		log.Warn("cleanup pending records failed", "ip", s.DeviceIP, "error", err)
	} else if n > 0 {
		log.Debug("evicted stale pending records on disconnect", "ip", s.DeviceIP, "count", n)
	}
	for _, rec := range s.Devices.FindByIP(s.DeviceIP) {
		if s.Handler.Mirror.IsMirroring(rec.ID) {
			s.Handler.Mirror.Stop()
			break
		}
	}
	log.Info("connection closed", "conn", s.ConnID, "ip", s.DeviceIP)
}

func (s *Session) readerLoop() {
	for {
		env, ok, err := s.Conn.ReadFrame()
		if err != nil {
			log.Debug("reader loop ended", "conn", s.ConnID, "error", err)
			return
		}
		if !ok {
			continue
		}
		s.Handler.HandleMessage(env, s.DeviceIP, s.ConnID)
	}
}

func (s *Session) writerLoop() {
	for {
		select {
		case <-s.stopCh:
			return
		case env, ok := <-s.queue:
			if !ok {
				return
			}
			if err := s.Conn.SendEnvelope(env); err != nil {
				log.Debug("writer loop ended", "conn", s.ConnID, "error", err)
				return
			}
		}
	}
}

// enqueue is a non-blocking best-effort send onto this connection's own
// outbound queue, mirroring the original's try_send semantics: a full
// queue means the peer is slow and this one update is dropped, not queued.
func (s *Session) enqueue(msgType string, payload any) {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		log.Error("encode producer message failed", "type", msgType, "error", err)
		return
	}
	select {
	case s.queue <- env:
	default:
		log.Debug("outbound queue full, dropping message", "conn", s.ConnID, "type", msgType)
	}
}

func (s *Session) metadataLoop() {
	ticker := time.NewTicker(metadataInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.Media == nil {
				continue
			}
			metadata := s.Media.Metadata()
			if metadata == nil {
				continue
			}
			s.Audio.SetTargetApp(metadata.PlayerName)
			s.Handler.SetMediaPlaying(metadata.Status == "Playing")
			s.enqueue(protocol.TypeMediaStatus, protocol.MediaStatus{Metadata: metadata})
		}
	}
}

func (s *Session) spectrumLoop() {
	ticker := time.NewTicker(producerTick)
	defer ticker.Stop()

	wasPlaying := true
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.Handler.IsTrusted(s.DeviceIP) {
				continue
			}

			if !s.Handler.MediaPlaying() {
				if wasPlaying {
					s.enqueue(protocol.TypeSpectrum, protocol.Spectrum{Bands: make([]float32, 7)})
					wasPlaying = false
				}
				continue
			}

			wasPlaying = true
			s.enqueue(protocol.TypeSpectrum, protocol.Spectrum{Bands: s.Audio.Levels()})
		}
	}
}

// frameLoop relays mirrored frame bytes from the mirror coordinator's
// shared broadcast topic onto this connection's own queue, as long as the
// peer is (still) trusted. It does no capturing or diffing of its own —
// that happens once, centrally, in the mirror coordinator.
func (s *Session) frameLoop() {
	frames, unsubscribe := s.Handler.Mirror.Frames().Subscribe()
	defer unsubscribe()

	first := true
	for {
		select {
		case <-s.stopCh:
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if !s.Handler.IsTrusted(s.DeviceIP) {
				continue
			}
			if first {
				log.Info("first frame transmitted", "ip", s.DeviceIP, "bytes", len(frame))
				first = false
			}
			s.enqueue(protocol.TypeFrame, protocol.Frame{Bytes: frame})
		}
	}
}
