// Package tlsmaterial loads or generates the server's self-signed TLS
// identity (C3 "Server identity" in spec terms) and derives the SHA-256
// fingerprint clients pin against. The certificate, key, and fingerprint
// are immutable for the life of the process once Load returns.
package tlsmaterial

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"golang.org/x/sys/unix"

	"github.com/wayhost/deskbridge/internal/config"
	"github.com/wayhost/deskbridge/internal/logging"
	"github.com/wayhost/deskbridge/internal/secmem"
)

var log = logging.L("tlsmaterial")

const (
	certFileName = "cert.pem"
	keyFileName  = "key.pem"
)

// Identity holds the server's immutable TLS identity for process lifetime.
type Identity struct {
	TLSConfig   *tls.Config
	Fingerprint string // colon-separated uppercase hex SHA-256 of the leaf cert

	keyZero *secmem.SecureString
}

// Load loads an existing cert/key pair from dir (config.GetDataDir() if
// empty), generating and persisting a fresh self-signed pair if absent.
func Load(dir string) (*Identity, error) {
	if dir == "" {
		dir = config.GetDataDir()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("tlsmaterial: create data dir: %w", err)
	}

	certPath := filepath.Join(dir, certFileName)
	keyPath := filepath.Join(dir, keyFileName)

	var certPEM, keyPEM []byte
	if fileExists(certPath) && fileExists(keyPath) {
		log.Info("loading existing TLS certificate", "dir", dir)
		var err error
		certPEM, err = os.ReadFile(certPath)
		if err != nil {
			return nil, fmt.Errorf("tlsmaterial: read cert: %w", err)
		}
		keyPEM, err = os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("tlsmaterial: read key: %w", err)
		}
		checkKeyPermissions(keyPath)
	} else {
		log.Info("generating new self-signed TLS certificate", "dir", dir)
		var err error
		certPEM, keyPEM, err = generateSelfSigned()
		if err != nil {
			return nil, fmt.Errorf("tlsmaterial: generate: %w", err)
		}
		if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
			return nil, fmt.Errorf("tlsmaterial: write cert: %w", err)
		}
		if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
			return nil, fmt.Errorf("tlsmaterial: write key: %w", err)
		}
		log.Info("set strict permissions (600) on private key", "path", keyPath)
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("tlsmaterial: parse cert/key pair: %w", err)
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("tlsmaterial: parse leaf cert: %w", err)
	}
	fingerprint := Fingerprint(leaf.Raw)

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
		MinVersion:   tls.VersionTLS12,
	}

	logHostIdentity()

	return &Identity{
		TLSConfig:   tlsCfg,
		Fingerprint: fingerprint,
		keyZero:     secmem.NewSecureString(string(keyPEM)),
	}, nil
}

// Close zeroes the in-memory copy of the private key material.
func (id *Identity) Close() {
	if id.keyZero != nil {
		id.keyZero.Zero()
	}
}

// Fingerprint computes the colon-separated uppercase-hex SHA-256 digest of
// a DER-encoded certificate, matching the format clients pin against.
func Fingerprint(certDER []byte) string {
	sum := sha256.Sum256(certDER)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}

func generateSelfSigned() (certPEM, keyPEM []byte, err error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "wayland-connect-host"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(10, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IsCA:         false,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, fmt.Errorf("create certificate: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	keyBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal key: %w", err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})

	return certPEM, keyPEM, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// checkKeyPermissions warns if the on-disk key file is more permissive
// than owner-only read/write.
func checkKeyPermissions(path string) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		log.Warn("could not stat key file permissions", "path", path, "error", err)
		return
	}
	if st.Mode&0077 != 0 {
		log.Warn("private key file has overly permissive mode, expected owner-only", "path", path, "mode", fmt.Sprintf("%04o", st.Mode&0777))
	}
}

// logHostIdentity logs the host platform at startup, for operator
// diagnostics alongside the fingerprint.
func logHostIdentity() {
	info, err := host.Info()
	if err != nil {
		log.Debug("host identity unavailable", "error", err)
		return
	}
	log.Info("host identity", "hostname", info.Hostname, "platform", info.Platform, "kernelVersion", info.KernelVersion)
}
