// Package media implements the MPRIS media-control bridge: selecting the
// "best" active player on the session bus and exposing its metadata plus a
// small command surface (play/pause/next/previous/seek/volume/shuffle/loop)
// over D-Bus.
package media

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/wayhost/deskbridge/internal/logging"
	"github.com/wayhost/deskbridge/internal/protocol"
)

var log = logging.L("media")

const (
	mprisPrefix    = "org.mpris.MediaPlayer2."
	mprisPath      = dbus.ObjectPath("/org/mpris/MediaPlayer2")
	playerIface    = "org.mpris.MediaPlayer2.Player"
	propsIface     = "org.freedesktop.DBus.Properties"
)

// Client talks to whatever MPRIS player currently looks most "active" on
// the session bus. It holds no persistent player selection — every call
// re-resolves the best player, matching players appearing/disappearing
// between calls.
type Client struct {
	conn *dbus.Conn
}

// Connect opens the session bus connection used for every subsequent call.
func Connect() (*Client, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("media: connect session bus: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close disconnects from the session bus.
func (c *Client) Close() error { return c.conn.Close() }

// isBrowserPlayer reports whether a bus name looks like a browser's MPRIS
// identity — browsers are deprioritized behind dedicated music apps.
func isBrowserPlayer(lowerName string) bool {
	for _, s := range []string{"chromium", "firefox", "chrome", "browser", "brave"} {
		if strings.Contains(lowerName, s) {
			return true
		}
	}
	return false
}

// findBestPlayer lists MPRIS names on the bus and ranks them Playing (non-
// browser first) > Paused (non-browser first) > anything else, matching
// the host's player-selection heuristic.
func (c *Client) findBestPlayer() (string, bool) {
	var names []string
	busObj := c.conn.BusObject()
	if err := busObj.Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		log.Debug("ListNames failed", "error", err)
		return "", false
	}

	var playing, paused, other []string
	for _, name := range names {
		if !strings.HasPrefix(name, mprisPrefix) {
			continue
		}
		status := c.getProperty(name, playerIface, "PlaybackStatus")
		statusStr, _ := status.Value().(string)

		browser := isBrowserPlayer(strings.ToLower(name))
		switch statusStr {
		case "Playing":
			if !browser {
				playing = append([]string{name}, playing...)
			} else {
				playing = append(playing, name)
			}
		case "Paused":
			if !browser {
				paused = append([]string{name}, paused...)
			} else {
				paused = append(paused, name)
			}
		default:
			other = append(other, name)
		}
	}

	for _, group := range [][]string{playing, paused, other} {
		if len(group) > 0 {
			return group[0], true
		}
	}
	return "", false
}

func (c *Client) getProperty(dest, iface, prop string) dbus.Variant {
	obj := c.conn.Object(dest, mprisPath)
	var v dbus.Variant
	if err := obj.Call(propsIface+".Get", 0, iface, prop).Store(&v); err != nil {
		return dbus.Variant{}
	}
	return v
}

// Metadata fetches the current best player's metadata, or nil if no MPRIS
// player is active.
func (c *Client) Metadata() *protocol.MediaMetadata {
	name, ok := c.findBestPlayer()
	if !ok {
		return nil
	}
	return c.playerMetadata(name)
}

func (c *Client) playerMetadata(dest string) *protocol.MediaMetadata {
	raw := c.getProperty(dest, playerIface, "Metadata")
	fields, _ := raw.Value().(map[string]dbus.Variant)

	status, _ := c.getProperty(dest, playerIface, "PlaybackStatus").Value().(string)
	if status == "" {
		status = "Stopped"
	}
	position, _ := c.getProperty(dest, playerIface, "Position").Value().(int64)
	volume, _ := c.getProperty(dest, playerIface, "Volume").Value().(float64)
	shuffle, _ := c.getProperty(dest, playerIface, "Shuffle").Value().(bool)
	loopStatus, _ := c.getProperty(dest, playerIface, "LoopStatus").Value().(string)
	if loopStatus == "" {
		loopStatus = "None"
	}

	trackID := trackIDFromMetadata(fields)
	title := stringField(fields, "xesam:title")
	if title == "" {
		title = "Active Session"
	}
	artist := artistField(fields)
	album := stringField(fields, "xesam:album")
	artURL := stringField(fields, "mpris:artUrl")
	if artURL == "" {
		artURL = stringField(fields, "xesam:url")
	}

	duration := int64Field(fields, "mpris:length")
	if duration == 0 {
		duration = int64Field(fields, "xesam:duration")
	}
	if duration == 0 {
		duration, _ = c.getProperty(dest, playerIface, "Length").Value().(int64)
	}

	return &protocol.MediaMetadata{
		Title:      title,
		Artist:     artist,
		Album:      album,
		ArtURL:     artURL,
		DurationUs: duration,
		PositionUs: position,
		Status:     status,
		PlayerName: cleanPlayerName(dest),
		Shuffle:    shuffle,
		Repeat:     loopStatus,
		Volume:     volume,
		TrackID:    trackID,
	}
}

func trackIDFromMetadata(fields map[string]dbus.Variant) string {
	if v, ok := fields["mpris:trackid"]; ok {
		switch val := v.Value().(type) {
		case string:
			return val
		case dbus.ObjectPath:
			return string(val)
		}
	}
	return "/org/mpris/MediaPlayer2/TrackList/NoTrack"
}

func stringField(fields map[string]dbus.Variant, key string) string {
	if v, ok := fields[key]; ok {
		if s, ok := v.Value().(string); ok {
			return s
		}
	}
	return ""
}

func artistField(fields map[string]dbus.Variant) string {
	v, ok := fields["xesam:artist"]
	if !ok {
		return "Unknown Source"
	}
	if arr, ok := v.Value().([]string); ok {
		if len(arr) == 0 {
			return "Various Artists"
		}
		return strings.Join(arr, ", ")
	}
	if s, ok := v.Value().(string); ok {
		return s
	}
	return "Unknown Source"
}

func int64Field(fields map[string]dbus.Variant, key string) int64 {
	v, ok := fields[key]
	if !ok {
		return 0
	}
	switch val := v.Value().(type) {
	case int64:
		return val
	case uint64:
		return int64(val)
	default:
		return 0
	}
}

// cleanPlayerName strips the org.mpris.MediaPlayer2. prefix and any
// instance/numeric bus-name suffix, returning an uppercased short name
// (e.g. "org.mpris.MediaPlayer2.spotify" -> "SPOTIFY").
func cleanPlayerName(dest string) string {
	name := strings.TrimPrefix(dest, mprisPrefix)
	parts := strings.Split(name, ".")
	for _, p := range parts {
		if strings.HasPrefix(p, "instance") {
			continue
		}
		if _, err := strconv.ParseUint(p, 10, 64); err == nil {
			continue
		}
		if p == "mpris" {
			continue
		}
		return strings.ToUpper(p)
	}
	if len(parts) > 0 {
		return strings.ToUpper(parts[0])
	}
	return strings.ToUpper(name)
}

// SendCommand dispatches a media_control command to the current best
// player. Unknown commands are silently ignored (no-op), matching the
// host's permissive command switch.
func (c *Client) SendCommand(command string) error {
	name, ok := c.findBestPlayer()
	if !ok {
		log.Info("no active media player for command", "command", command)
		return nil
	}
	obj := c.conn.Object(name, mprisPath)

	switch {
	case command == "play":
		return obj.Call(playerIface+".Play", 0).Err
	case command == "pause":
		return obj.Call(playerIface+".Pause", 0).Err
	case command == "play_pause":
		status, _ := c.getProperty(name, playerIface, "PlaybackStatus").Value().(string)
		if status == "Paused" || status == "Stopped" {
			return obj.Call(playerIface+".Play", 0).Err
		}
		return obj.Call(playerIface+".PlayPause", 0).Err
	case command == "next":
		return obj.Call(playerIface+".Next", 0).Err
	case command == "previous":
		return obj.Call(playerIface+".Previous", 0).Err
	case command == "toggle_shuffle":
		current, _ := c.getProperty(name, playerIface, "Shuffle").Value().(bool)
		return c.setProperty(name, playerIface, "Shuffle", !current)
	case command == "toggle_loop":
		current, _ := c.getProperty(name, playerIface, "LoopStatus").Value().(string)
		next := "None"
		switch current {
		case "None":
			next = "Track"
		case "Track":
			next = "Playlist"
		}
		return c.setProperty(name, playerIface, "LoopStatus", next)
	case strings.HasPrefix(command, "volume:"):
		vol, err := strconv.ParseFloat(strings.TrimPrefix(command, "volume:"), 64)
		if err != nil {
			return nil
		}
		return c.setProperty(name, playerIface, "Volume", vol)
	case strings.HasPrefix(command, "seek:"):
		posUsec, err := strconv.ParseInt(strings.TrimPrefix(command, "seek:"), 10, 64)
		if err != nil {
			return nil
		}
		raw := c.getProperty(name, playerIface, "Metadata")
		fields, _ := raw.Value().(map[string]dbus.Variant)
		trackID := trackIDFromMetadata(fields)
		return obj.Call(playerIface+".SetPosition", 0, dbus.ObjectPath(trackID), posUsec).Err
	default:
		return nil
	}
}

func (c *Client) setProperty(dest, iface, prop string, value any) error {
	obj := c.conn.Object(dest, mprisPath)
	return obj.Call(propsIface+".Set", 0, iface, prop, dbus.MakeVariant(value)).Err
}
