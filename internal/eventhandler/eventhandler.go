// Package eventhandler implements the authz/message-dispatch state machine
// (C5): every decoded inbound message is routed here along with the
// peer's IP and connection id, and this package alone decides what state
// changes and what response (if any) goes out. Every collaborator is
// handed in at construction by shared handle; none of them retains a
// back-pointer here, so the dependency graph stays acyclic.
package eventhandler

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/wayhost/deskbridge/internal/appscanner"
	"github.com/wayhost/deskbridge/internal/audio"
	"github.com/wayhost/deskbridge/internal/audit"
	"github.com/wayhost/deskbridge/internal/config"
	"github.com/wayhost/deskbridge/internal/connregistry"
	"github.com/wayhost/deskbridge/internal/devicestore"
	"github.com/wayhost/deskbridge/internal/injector"
	"github.com/wayhost/deskbridge/internal/logging"
	"github.com/wayhost/deskbridge/internal/media"
	"github.com/wayhost/deskbridge/internal/mirror"
	"github.com/wayhost/deskbridge/internal/notifier"
	"github.com/wayhost/deskbridge/internal/pointer"
	"github.com/wayhost/deskbridge/internal/protocol"
)

var log = logging.L("eventhandler")

const maxPointerImageBytes = 1024 * 1024

// MonitorLister reports the host's current monitor layout. The real
// implementation shells out to the compositor; tests substitute a stub.
type MonitorLister interface {
	List() []protocol.MonitorInfo
}

// Handler is the C5 state machine. Every field is a capability handed in
// at construction; optional collaborators (Injector, Media, Notifier) may be nil.
type Handler struct {
	Devices  *devicestore.Store
	Conns    *connregistry.Registry
	Mirror   *mirror.Manager
	Pointer  *pointer.Manager
	Injector injector.Injector
	Media    *media.Client
	Notifier *notifier.Notifier
	Monitors MonitorLister
	Audio    audio.SpectrumSource
	Audit    *audit.Logger

	Cfg     *config.Config
	CfgPath string

	Fingerprint string

	mu           sync.Mutex
	mediaPlaying bool
}

// New constructs a Handler. Monitors defaults to a hyprctl-backed lister
// if nil.
func New(h Handler) *Handler {
	if h.Monitors == nil {
		h.Monitors = hyprctlMonitorLister{}
	}
	out := h
	return &out
}

// SetMediaPlaying latches the process-wide media-playing flag (consulted
// by the session's spectrum producer for its zero-bands edge trigger).
func (h *Handler) SetMediaPlaying(playing bool) {
	h.mu.Lock()
	h.mediaPlaying = playing
	h.mu.Unlock()
}

// MediaPlaying reports the last-observed media-playing flag.
func (h *Handler) MediaPlaying() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mediaPlaying
}

// HandleMessage is the single entry point: decode-dispatch on env.Type.
// deviceIP and connID identify the peer; connID is the connregistry key
// this connection was registered under.
func (h *Handler) HandleMessage(env *protocol.Envelope, deviceIP, connID string) {
	switch env.Type {
	case protocol.TypePairRequest:
		var msg protocol.PairRequest
		if protocol.Decode(env, &msg) != nil {
			return
		}
		h.handlePairRequest(msg, deviceIP, connID)

	case protocol.TypeGetStatus:
		h.handleGetStatus(connID)

	case protocol.TypeApproveDevice:
		var msg protocol.ApproveDevice
		if protocol.Decode(env, &msg) != nil {
			return
		}
		h.approveDevice(msg.ID)

	case protocol.TypeRejectDevice:
		var msg protocol.RejectDevice
		if protocol.Decode(env, &msg) != nil {
			return
		}
		h.rejectDevice(msg.ID)

	case protocol.TypeBlockDevice:
		var msg protocol.BlockDevice
		if protocol.Decode(env, &msg) != nil {
			return
		}
		h.blockDevice(msg.ID)

	case protocol.TypeUnblockDevice:
		var msg protocol.UnblockDevice
		if protocol.Decode(env, &msg) != nil {
			return
		}
		if err := h.Devices.Remove(msg.ID); err != nil {
			log.Warn("remove device failed", "id", msg.ID, "error", err)
		}

	case protocol.TypeDiscovery:
		h.send(connID, protocol.TypeDiscoveryResponse, protocol.DiscoveryResponse{
			ServerName:  h.Cfg.ServerName,
			Fingerprint: &h.Fingerprint,
		})

	case protocol.TypeSetZoomEnabled:
		var msg protocol.SetZoomEnabled
		if protocol.Decode(env, &msg) != nil {
			return
		}
		h.Cfg.ZoomEnabled = msg.Enabled
		h.saveConfig()
		h.Pointer.SetZoomEnabled(deviceIP, msg.Enabled)

	case protocol.TypeSetAutoConnect:
		var msg protocol.SetAutoConnect
		if protocol.Decode(env, &msg) != nil {
			return
		}
		h.Cfg.AutoConnectEnabled = msg.Enabled
		h.saveConfig()

	case protocol.TypeSetDeviceAutoReconnect:
		var msg protocol.SetDeviceAutoReconnect
		if protocol.Decode(env, &msg) != nil {
			return
		}
		if rec, ok := h.Devices.Get(msg.ID); ok {
			rec.AutoReconnect = msg.Enabled
			h.Devices.Upsert(rec)
		}

	case protocol.TypeRequestAutoReconnect:
		var msg protocol.RequestAutoReconnect
		if protocol.Decode(env, &msg) != nil {
			return
		}
		h.handleRequestAutoReconnect(msg.ID)

	case protocol.TypeAutoReconnectResponse:
		var msg protocol.AutoReconnectResponse
		if protocol.Decode(env, &msg) != nil {
			return
		}
		if rec, ok := h.Devices.Get(msg.ID); ok {
			rec.AutoReconnect = msg.Accepted
			h.Devices.Upsert(rec)
		}

	case protocol.TypePCStopMirroring:
		var msg protocol.PCStopMirroring
		if protocol.Decode(env, &msg) != nil {
			return
		}
		h.handlePCStopMirroring(msg.ID)

	case protocol.TypeMirrorResponse:
		var msg protocol.MirrorResponse
		if protocol.Decode(env, &msg) != nil {
			return
		}
		h.handleMirrorResponse(msg.DeviceID, msg.Accepted)

	case protocol.TypeRegisterDashboard:
		h.Conns.MarkDashboard(connID)
		h.send(connID, protocol.TypeRegisterResponse, protocol.RegisterResponse{Success: true})

	default:
		if h.isTrusted(deviceIP) {
			h.handleTrustedEvent(env, deviceIP, connID)
		}
	}
}

func (h *Handler) isTrusted(deviceIP string) bool {
	return h.IsTrusted(deviceIP)
}

// IsTrusted reports whether any device record for deviceIP is Trusted. The
// session's spectrum/frame producer loops poll this directly (spec's
// server.rs does the equivalent STATE lock-and-scan on every tick).
func (h *Handler) IsTrusted(deviceIP string) bool {
	for _, rec := range h.Devices.FindByIP(deviceIP) {
		if rec.Status == devicestore.StatusTrusted {
			return true
		}
	}
	return false
}

// --- pairing ---

func (h *Handler) handlePairRequest(msg protocol.PairRequest, deviceIP, connID string) {
	log.Info("pair request", "device", msg.DeviceName, "id", msg.ID, "version", msg.Version)
	h.Audit.Log(audit.EventPairRequest, msg.ID, map[string]any{"device_name": msg.DeviceName, "ip": deviceIP})

	if msg.Version != "" && !strings.HasPrefix(msg.Version, majorVersion(h.Cfg.ServerVersion)) {
		log.Info("pair version mismatch", "client", msg.Version, "server", h.Cfg.ServerVersion)
		h.send(connID, protocol.TypePairResponse, protocol.PairResponse{
			Status:        "VersionMismatch",
			ServerVersion: h.Cfg.ServerVersion,
			ServerName:    fmt.Sprintf("Update required! Server is v%s.", h.Cfg.ServerVersion),
			Fingerprint:   &h.Fingerprint,
		})
		return
	}

	status, shouldNotify := h.resolvePairing(msg, deviceIP)

	if shouldNotify {
		go h.notifyNewPairing(msg.ID, msg.DeviceName)
	}

	h.send(connID, protocol.TypePairResponse, protocol.PairResponse{
		Status:        status,
		ServerVersion: h.Cfg.ServerVersion,
		ServerName:    h.Cfg.ServerName,
		Fingerprint:   &h.Fingerprint,
	})
}

func (h *Handler) resolvePairing(msg protocol.PairRequest, deviceIP string) (status string, shouldNotify bool) {
	for _, rec := range h.Devices.FindByIP(deviceIP) {
		if rec.Status == devicestore.StatusBlocked || rec.Status == devicestore.StatusDeclined {
			return string(rec.Status), false
		}
	}

	existing, ok := h.Devices.Get(msg.ID)
	if ok {
		if msg.AutoReconnect != nil {
			existing.AutoReconnect = *msg.AutoReconnect
		}
		if existing.Status == devicestore.StatusTrusted && !existing.AutoReconnect {
			log.Info("auto-reconnect disabled, requiring re-approval", "id", msg.ID)
			existing.Status = devicestore.StatusPending
			shouldNotify = true
		}
		if err := h.Devices.Upsert(existing); err != nil {
			log.Error("persist pairing record failed", "error", err)
		}
		return string(existing.Status), shouldNotify
	}

	rec := devicestore.Record{
		ID:     msg.ID,
		Name:   msg.DeviceName,
		IP:     deviceIP,
		Status: devicestore.StatusPending,
	}
	if msg.AutoReconnect != nil {
		rec.AutoReconnect = *msg.AutoReconnect
	}
	if err := h.Devices.Upsert(rec); err != nil {
		log.Error("persist new pairing record failed", "error", err)
	}
	return string(devicestore.StatusPending), true
}

func (h *Handler) notifyNewPairing(id, name string) {
	if h.Notifier == nil {
		return
	}
	ch, err := h.Notifier.Confirm("New Connection Request", fmt.Sprintf("'%s' wants to connect.", name))
	if err != nil {
		log.Warn("pairing notification failed", "error", err)
		return
	}
	if approved := <-ch; approved {
		h.approveDevice(id)
	} else {
		h.rejectDevice(id)
	}
}

func majorVersion(v string) string {
	parts := strings.SplitN(v, ".", 2)
	if len(parts) == 0 || parts[0] == "" {
		return "1"
	}
	return parts[0]
}

// --- device lifecycle ---

func (h *Handler) handleGetStatus(connID string) {
	records := h.Devices.Snapshot()
	devices := make([]protocol.DeviceInfo, 0, len(records))
	for _, rec := range records {
		devices = append(devices, protocol.DeviceInfo{
			ID:            rec.ID,
			Name:          rec.Name,
			Status:        string(rec.Status),
			IP:            rec.IP,
			AutoReconnect: rec.AutoReconnect,
			IsMirroring:   h.Mirror.IsMirroring(rec.ID),
		})
	}
	h.send(connID, protocol.TypeStatusResponse, protocol.StatusResponse{
		Devices:     devices,
		ZoomEnabled: h.Cfg.ZoomEnabled,
	})
}

func (h *Handler) approveDevice(id string) {
	rec, ok := h.Devices.Get(id)
	if !ok {
		return
	}
	rec.Status = devicestore.StatusTrusted
	if err := h.Devices.Upsert(rec); err != nil {
		log.Error("approve device: persist failed", "error", err)
		return
	}
	h.Audit.Log(audit.EventDeviceApproved, id, map[string]any{"name": rec.Name})

	if h.Notifier != nil {
		if err := h.Notifier.Notify("Device Paired", fmt.Sprintf("%s is now connected.", rec.Name), "security-high"); err != nil {
			log.Debug("paired notification failed", "error", err)
		}
	}
	h.send(rec.IP, protocol.TypeSecurityUpdate, protocol.SecurityUpdate{Status: "Trusted"})
}

func (h *Handler) rejectDevice(id string) {
	rec, ok := h.Devices.Get(id)
	if ok {
		rec.Status = devicestore.StatusDeclined
		if err := h.Devices.Upsert(rec); err != nil {
			log.Error("reject device: persist failed", "error", err)
		}
		h.send(rec.IP, protocol.TypeSecurityUpdate, protocol.SecurityUpdate{Status: "Declined"})
	}
	h.Audit.Log(audit.EventDeviceDeclined, id, nil)
	h.stopMirrorIfOwnedBy(id)
}

func (h *Handler) blockDevice(id string) {
	rec, ok := h.Devices.Get(id)
	if ok {
		rec.Status = devicestore.StatusBlocked
		if err := h.Devices.Upsert(rec); err != nil {
			log.Error("block device: persist failed", "error", err)
		}
		h.send(rec.IP, protocol.TypeSecurityUpdate, protocol.SecurityUpdate{Status: "Blocked"})
	}
	h.Audit.Log(audit.EventDeviceBlocked, id, nil)
	h.stopMirrorIfOwnedBy(id)
}

func (h *Handler) stopMirrorIfOwnedBy(id string) {
	if h.Mirror.IsMirroring(id) {
		h.Mirror.Stop()
	}
}

func (h *Handler) handleRequestAutoReconnect(id string) {
	name := "Unknown Device"
	if rec, ok := h.Devices.Get(id); ok {
		name = rec.Name
	}
	h.broadcastDashboard(protocol.TypeAutoReconnectRequest, protocol.AutoReconnectRequest{DeviceID: id, DeviceName: name})
	if h.Notifier != nil {
		if err := h.Notifier.Notify("Auto-Reconnect Request", fmt.Sprintf("'%s' wants to enable auto-reconnect.", name), "network-wireless"); err != nil {
			log.Debug("auto-reconnect notification failed", "error", err)
		}
	}
}

// --- mirroring ---

func (h *Handler) handlePCStopMirroring(id string) {
	if rec, ok := h.Devices.Get(id); ok {
		h.send(rec.IP, protocol.TypeStopMirroring, nil)
	}
	h.Mirror.Stop()
	h.Audit.Log(audit.EventMirrorStopped, id, nil)
}

func (h *Handler) handleMirrorResponse(deviceID string, accepted bool) {
	rec, ok := h.Devices.Get(deviceID)
	if !ok {
		return
	}

	if !accepted {
		if err := h.Mirror.Decline(deviceID); err != nil {
			log.Debug("mirror decline failed", "id", deviceID, "error", err)
		}
		h.Audit.Log(audit.EventMirrorDeclined, deviceID, nil)
		h.send(rec.IP, protocol.TypeMirrorStatus, protocol.MirrorStatus{
			Allowed: false,
			Message: "Mirroring request declined by PC",
		})
		return
	}

	req, err := h.Mirror.Approve(deviceID)
	if err != nil {
		log.Warn("mirror approve failed", "id", deviceID, "error", err)
		return
	}
	h.Audit.Log(audit.EventMirrorApproved, deviceID, map[string]any{"width": req.Width, "height": req.Height, "fps": req.FPS})

	h.send(rec.IP, protocol.TypeMirrorStatus, protocol.MirrorStatus{
		Allowed: true,
		Message: "Access granted by PC",
	})
	h.Pointer.SetMonitor(rec.IP, req.Monitor)
}

func (h *Handler) notifyMirrorRequest(deviceID, name string) {
	if h.Notifier == nil {
		return
	}
	ch, err := h.Notifier.Confirm("Screen Share Request", fmt.Sprintf("'%s' wants to mirror their screen.", name))
	if err != nil {
		log.Warn("mirror notification failed", "error", err)
		return
	}
	accepted := <-ch
	h.handleMirrorResponse(deviceID, accepted)
}

// --- trusted-only events ---

func (h *Handler) handleTrustedEvent(env *protocol.Envelope, deviceIP, connID string) {
	switch env.Type {
	case protocol.TypeMediaControl:
		var msg protocol.MediaControl
		if protocol.Decode(env, &msg) != nil || h.Media == nil {
			return
		}
		if err := h.Media.SendCommand(msg.Action); err != nil {
			log.Debug("media command failed", "action", msg.Action, "error", err)
		}

	case protocol.TypeMediaGetStatus:
		var metadata *protocol.MediaMetadata
		if h.Media != nil {
			metadata = h.Media.Metadata()
		}
		h.SetMediaPlaying(metadata != nil && metadata.Status == "Playing")
		h.send(connID, protocol.TypeMediaStatus, protocol.MediaStatus{Metadata: metadata})

	case protocol.TypePointerData:
		var msg protocol.PointerData
		if protocol.Decode(env, &msg) != nil {
			return
		}
		h.Pointer.Update(deviceIP, msg.Active, msg.Mode, msg.Pitch, msg.Roll, msg.Size, msg.Color,
			msg.ZoomScale, msg.ParticleType, msg.StretchFactor, msg.HasImage, msg.PulseSpeed, msg.PulseIntensity)

	case protocol.TypeTestOverlaySeq:
		h.Pointer.RunTestSequence(deviceIP)

	case protocol.TypePresentationCtrl:
		var msg protocol.PresentationControl
		if protocol.Decode(env, &msg) != nil {
			return
		}
		var key string
		switch msg.Action {
		case "prev":
			key = "PageUp"
		case "next":
			key = "PageDown"
		default:
			return
		}
		if h.Injector == nil {
			return
		}
		if err := h.Injector.KeyPress(key); err != nil {
			log.Debug("presentation keypress failed", "error", err)
		}

	case protocol.TypeSetPointerMonitor:
		var msg protocol.SetPointerMonitor
		if protocol.Decode(env, &msg) != nil {
			return
		}
		h.Pointer.SetMonitor(deviceIP, msg.Monitor)

	case protocol.TypeLaunchApp:
		var msg protocol.LaunchApp
		if protocol.Decode(env, &msg) != nil {
			return
		}
		h.launchApp(msg.Command)

	case protocol.TypeGetApps:
		h.send(connID, protocol.TypeAppsList, protocol.AppsList{Apps: appscanner.Scan(h.Cfg.AppScanMaxApps)})

	case protocol.TypeGetMonitors:
		h.send(connID, protocol.TypeMonitorsList, protocol.MonitorsList{Monitors: h.Monitors.List()})

	case protocol.TypeStartMirroring:
		var msg protocol.StartMirroring
		if protocol.Decode(env, &msg) != nil {
			return
		}
		h.startMirroring(msg, deviceIP)

	case protocol.TypeStopMirroring:
		h.Mirror.Stop()

	case protocol.TypePointerImage:
		var msg protocol.PointerImage
		if protocol.Decode(env, &msg) != nil {
			return
		}
		h.handlePointerImage(msg.Data)

	case protocol.TypeSetAudioSensitivity:
		var msg protocol.SetAudioSensitivity
		if protocol.Decode(env, &msg) != nil || h.Audio == nil {
			return
		}
		h.Audio.SetSensitivity(msg.Value)

	default:
		h.injectRaw(env)
	}
}

func (h *Handler) startMirroring(msg protocol.StartMirroring, deviceIP string) {
	id, name := "unknown", "Unknown Device"
	for _, rec := range h.Devices.FindByIP(deviceIP) {
		id, name = rec.ID, rec.Name
		break
	}

	if err := h.Mirror.RequestStart(mirror.Request{
		DeviceID: id, Width: msg.Width, Height: msg.Height, FPS: msg.FPS, Monitor: msg.Monitor,
	}); err != nil {
		log.Info("mirror request rejected", "id", id, "error", err)
		return
	}
	h.Audit.Log(audit.EventMirrorRequested, id, map[string]any{"width": msg.Width, "height": msg.Height})

	h.broadcastDashboard(protocol.TypeMirrorRequest, protocol.MirrorRequest{DeviceID: id, DeviceName: name})
	go h.notifyMirrorRequest(id, name)
}

func (h *Handler) launchApp(command string) {
	apps := appscanner.Scan(h.Cfg.AppScanMaxApps)
	verified := false
	for _, app := range apps {
		if app.Exec == command {
			verified = true
			break
		}
	}
	if !verified {
		log.Warn("blocked attempt to launch unverified command", "command", command)
		h.Audit.Log(audit.EventAppLaunchBlocked, "", map[string]any{"command": command})
		return
	}

	log.Info("launching verified app", "command", command)
	h.Audit.Log(audit.EventAppLaunched, "", map[string]any{"command": command})
	cmd := exec.Command("sh", "-c", command)
	if err := cmd.Start(); err != nil {
		log.Error("app launch failed", "command", command, "error", err)
	}
}

func (h *Handler) handlePointerImage(data string) {
	if data == "" {
		if err := os.Remove(pointer.ImagePath); err != nil && !os.IsNotExist(err) {
			log.Warn("remove pointer image failed", "error", err)
		}
		h.Pointer.ClearImage()
		return
	}

	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		log.Warn("pointer image decode failed", "error", err)
		return
	}
	if len(raw) > maxPointerImageBytes {
		log.Error("pointer image too large", "bytes", len(raw))
		return
	}
	if err := os.WriteFile(pointer.ImagePath, raw, 0600); err != nil {
		log.Error("write pointer image failed", "error", err)
		return
	}
	h.Pointer.ReloadImage()
}

// injectRaw delegates low-level input events straight to the injector for
// a Trusted peer — the "any input/control message" catch-all row.
func (h *Handler) injectRaw(env *protocol.Envelope) {
	if h.Injector == nil {
		return
	}
	switch env.Type {
	case protocol.TypeMove:
		var msg protocol.Move
		if protocol.Decode(env, &msg) == nil {
			_ = h.Injector.MoveRelative(msg.DX, msg.DY)
		}
	case protocol.TypeMoveAbsolute:
		var msg protocol.MoveAbsolute
		if protocol.Decode(env, &msg) == nil {
			_ = h.Injector.MoveAbsolute(msg.X, msg.Y)
		}
	case protocol.TypeClick:
		var msg protocol.Click
		if protocol.Decode(env, &msg) == nil {
			_ = h.Injector.Click(msg.Button)
		}
	case protocol.TypeMouseClick:
		var msg protocol.MouseClick
		if protocol.Decode(env, &msg) == nil {
			if msg.State == "down" {
				_ = h.Injector.MouseDown(msg.Button)
			} else {
				_ = h.Injector.MouseUp(msg.Button)
			}
		}
	case protocol.TypeScroll:
		var msg protocol.Scroll
		if protocol.Decode(env, &msg) == nil {
			_ = h.Injector.ScrollVertical(msg.DY)
		}
	case protocol.TypeKeyPress:
		var msg protocol.KeyPress
		if protocol.Decode(env, &msg) == nil {
			_ = h.Injector.KeyPress(msg.Key)
		}
	}
}

// --- outbound helpers ---

func (h *Handler) send(key, msgType string, payload any) {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		log.Error("encode outbound message failed", "type", msgType, "error", err)
		return
	}
	h.Conns.SendTo(key, env)
}

func (h *Handler) broadcastDashboard(msgType string, payload any) {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		log.Error("encode dashboard broadcast failed", "type", msgType, "error", err)
		return
	}
	h.Conns.BroadcastDashboard(env)
}

func (h *Handler) saveConfig() {
	if err := config.SaveTo(h.Cfg, h.CfgPath); err != nil {
		log.Error("persist config failed", "error", err)
	}
}

// --- monitor listing ---

type hyprctlMonitorLister struct{}

type hyprctlMonitor struct {
	ID      int32  `json:"id"`
	Name    string `json:"name"`
	Width   int32  `json:"width"`
	Height  int32  `json:"height"`
	X       int32  `json:"x"`
	Y       int32  `json:"y"`
	Focused bool   `json:"focused"`
}

func (hyprctlMonitorLister) List() []protocol.MonitorInfo {
	out, err := exec.Command("hyprctl", "monitors", "-j").Output()
	if err != nil {
		log.Debug("hyprctl monitors failed", "error", err)
		return nil
	}

	var raw []hyprctlMonitor
	if err := json.Unmarshal(out, &raw); err != nil {
		log.Debug("parse hyprctl monitors output failed", "error", err)
		return nil
	}

	monitors := make([]protocol.MonitorInfo, 0, len(raw))
	for _, m := range raw {
		monitors = append(monitors, protocol.MonitorInfo{
			ID: m.ID, Name: m.Name, Width: m.Width, Height: m.Height, X: m.X, Y: m.Y, Focused: m.Focused,
		})
	}
	return monitors
}
