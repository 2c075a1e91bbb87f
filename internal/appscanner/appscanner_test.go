package appscanner

import (
	"os"
	"path/filepath"
	"testing"
)

func writeDesktopFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestParseDesktopFileExtractsNameExecIcon(t *testing.T) {
	dir := t.TempDir()
	writeDesktopFile(t, dir, "app.desktop", "[Desktop Entry]\nName=Test App\nExec=testapp --flag\nIcon=testapp-icon\n")

	app, ok := parseDesktopFile(filepath.Join(dir, "app.desktop"))
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	if app.Name != "Test App" || app.Exec != "testapp" || app.Icon != "testapp-icon" {
		t.Fatalf("got %+v", app)
	}
}

func TestParseDesktopFileSkipsNoDisplay(t *testing.T) {
	dir := t.TempDir()
	writeDesktopFile(t, dir, "hidden.desktop", "[Desktop Entry]\nName=Hidden\nExec=hidden\nNoDisplay=true\n")

	_, ok := parseDesktopFile(filepath.Join(dir, "hidden.desktop"))
	if ok {
		t.Fatal("expected NoDisplay=true entry to be skipped")
	}
}

func TestParseDesktopFileRequiresNameAndExec(t *testing.T) {
	dir := t.TempDir()
	writeDesktopFile(t, dir, "noname.desktop", "[Desktop Entry]\nExec=onlyexec\n")

	_, ok := parseDesktopFile(filepath.Join(dir, "noname.desktop"))
	if ok {
		t.Fatal("expected missing Name to fail parse")
	}
}

func TestParseDesktopFileMissingFileFails(t *testing.T) {
	_, ok := parseDesktopFile("/nonexistent/path/app.desktop")
	if ok {
		t.Fatal("expected missing file to fail parse")
	}
}

func TestIconBase64AbsolutePathReadsFile(t *testing.T) {
	dir := t.TempDir()
	iconPath := filepath.Join(dir, "icon.png")
	if err := os.WriteFile(iconPath, []byte("fake-png-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	data := iconBase64(iconPath)
	if data == "" {
		t.Fatal("expected non-empty base64 for existing absolute icon path")
	}
}

func TestIconBase64UnresolvableNameReturnsEmpty(t *testing.T) {
	data := iconBase64("this-icon-name-should-not-exist-anywhere-xyz")
	if data != "" {
		t.Fatalf("expected empty string for unresolvable icon, got %q", data)
	}
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "present")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !fileExists(f) {
		t.Fatal("expected file to exist")
	}
	if fileExists(filepath.Join(dir, "absent")) {
		t.Fatal("expected file to not exist")
	}
}
