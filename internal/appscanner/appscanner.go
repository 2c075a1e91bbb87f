// Package appscanner discovers installed applications from their
// .desktop files (C's GetApps/LaunchApp support) and resolves each one's
// icon to a base64 payload, in parallel, via the shared worker pool.
package appscanner

import (
	"bufio"
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wayhost/deskbridge/internal/logging"
	"github.com/wayhost/deskbridge/internal/protocol"
	"github.com/wayhost/deskbridge/internal/workerpool"
)

var log = logging.L("appscanner")

// scanDirs returns the .desktop search paths: the system applications
// directory plus the invoking user's local one.
func scanDirs() []string {
	dirs := []string{"/usr/share/applications"}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".local/share/applications"))
	}
	return dirs
}

// iconThemeDirs are searched as a last resort when an icon name isn't found
// at any of the fixed well-known paths.
var iconThemeDirs = []string{
	"/usr/share/icons/Adwaita",
	"/usr/share/icons/breeze",
	"/usr/share/icons/Papirus",
}

// Scan walks the .desktop search directories, parses each entry, dedups by
// name, sorts case-insensitively, and caps the result at maxApps. Icon
// resolution runs concurrently across a bounded worker pool.
func Scan(maxApps int) []protocol.AppInfo {
	if maxApps < 1 {
		maxApps = 60
	}

	var apps []protocol.AppInfo
	seen := make(map[string]bool)

	for _, dir := range scanDirs() {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || filepath.Ext(entry.Name()) != ".desktop" {
				continue
			}
			app, ok := parseDesktopFile(filepath.Join(dir, entry.Name()))
			if !ok || seen[app.Name] {
				continue
			}
			seen[app.Name] = true
			apps = append(apps, app)
		}
	}

	sort.Slice(apps, func(i, j int) bool {
		return strings.ToLower(apps[i].Name) < strings.ToLower(apps[j].Name)
	})
	if len(apps) > maxApps {
		log.Debug("truncating app list", "found", len(apps), "max", maxApps)
		apps = apps[:maxApps]
	}

	resolveIconsConcurrently(apps)
	return apps
}

// resolveIconsConcurrently fills in IconBase64 for every app with a
// non-empty Icon field, using the shared bounded worker pool so a slow
// icon-theme filesystem search on one app doesn't serialize the rest.
func resolveIconsConcurrently(apps []protocol.AppInfo) {
	pool := workerpool.New(8, len(apps)+1)
	var mu sync.Mutex

	for i := range apps {
		i := i
		if apps[i].Icon == "" {
			continue
		}
		pool.Submit(func() {
			data := iconBase64(apps[i].Icon)
			if data == "" {
				return
			}
			mu.Lock()
			apps[i].IconBase64 = &data
			mu.Unlock()
		})
	}

	pool.StopAccepting()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pool.Drain(ctx)
}

// parseDesktopFile reads the Name/Exec/Icon/NoDisplay keys from a .desktop
// file's first occurrence of each, skipping NoDisplay=true entries.
func parseDesktopFile(path string) (protocol.AppInfo, bool) {
	f, err := os.Open(path)
	if err != nil {
		return protocol.AppInfo{}, false
	}
	defer f.Close()

	var name, exec, icon string
	noDisplay := false

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case name == "" && strings.HasPrefix(line, "Name="):
			name = strings.TrimPrefix(line, "Name=")
		case exec == "" && strings.HasPrefix(line, "Exec="):
			fields := strings.Fields(strings.TrimPrefix(line, "Exec="))
			if len(fields) > 0 {
				exec = fields[0]
			}
		case icon == "" && strings.HasPrefix(line, "Icon="):
			icon = strings.TrimPrefix(line, "Icon=")
		case line == "NoDisplay=true":
			noDisplay = true
		}
	}

	if noDisplay || name == "" || exec == "" {
		return protocol.AppInfo{}, false
	}
	return protocol.AppInfo{Name: name, Exec: exec, Icon: icon}, true
}

// iconBase64 resolves an icon name to its file content, base64-encoded, or
// "" if it can't be found.
func iconBase64(iconName string) string {
	if iconName == "" {
		return ""
	}

	var iconPath string
	if strings.HasPrefix(iconName, "/") {
		iconPath = iconName
	} else {
		home, _ := os.UserHomeDir()
		candidates := []string{
			"/usr/share/icons/hicolor/scalable/apps/" + iconName + ".svg",
			"/usr/share/icons/hicolor/48x48/apps/" + iconName + ".png",
			"/usr/share/icons/hicolor/128x128/apps/" + iconName + ".png",
			"/usr/share/icons/hicolor/256x256/apps/" + iconName + ".png",
			"/usr/share/icons/hicolor/512x512/apps/" + iconName + ".png",
			"/usr/share/pixmaps/" + iconName + ".png",
			"/usr/share/pixmaps/" + iconName + ".xpm",
			"/usr/share/pixmaps/" + iconName + ".svg",
		}
		if home != "" {
			candidates = append(candidates,
				filepath.Join(home, ".local/share/icons", iconName+".png"),
				filepath.Join(home, ".local/share/icons", iconName+".svg"),
			)
		}

		for _, c := range candidates {
			if fileExists(c) {
				iconPath = c
				break
			}
		}

		if iconPath == "" {
			iconPath = searchIconTheme(iconName)
		}
	}

	if iconPath == "" || !fileExists(iconPath) {
		return ""
	}

	data, err := os.ReadFile(iconPath)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(data)
}

// searchIconTheme walks the fixed icon-theme directories looking for a
// file stem-matching iconName, as a fallback for themed icon names that
// aren't at any of the well-known fixed paths.
func searchIconTheme(iconName string) string {
	for _, themeDir := range iconThemeDirs {
		var found string
		filepath.WalkDir(themeDir, func(path string, d os.DirEntry, err error) error {
			if err != nil || found != "" {
				return nil
			}
			if d.IsDir() {
				return nil
			}
			base := d.Name()
			ext := filepath.Ext(base)
			if strings.TrimSuffix(base, ext) == iconName {
				found = path
				return filepath.SkipAll
			}
			return nil
		})
		if found != "" {
			return found
		}
	}
	return ""
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
