package tlsmaterial

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"testing"
)

func TestFingerprintFormat(t *testing.T) {
	data := []byte("certificate-bytes")
	fp := Fingerprint(data)

	sum := sha256.Sum256(data)
	parts := strings.Split(fp, ":")
	if len(parts) != len(sum) {
		t.Fatalf("expected %d colon-separated groups, got %d", len(sum), len(parts))
	}
	want := fmt.Sprintf("%02X", sum[0])
	if parts[0] != want {
		t.Fatalf("first byte = %s, want %s", parts[0], want)
	}
}

func TestLoadGeneratesAndReloadsSameFingerprint(t *testing.T) {
	dir := t.TempDir()

	first, err := Load(dir)
	if err != nil {
		t.Fatalf("Load (generate): %v", err)
	}
	defer first.Close()

	second, err := Load(dir)
	if err != nil {
		t.Fatalf("Load (reload): %v", err)
	}
	defer second.Close()

	if first.Fingerprint != second.Fingerprint {
		t.Fatalf("fingerprint changed across reload: %s != %s", first.Fingerprint, second.Fingerprint)
	}
	if len(first.TLSConfig.Certificates) != 1 {
		t.Fatal("expected exactly one certificate loaded")
	}
}
