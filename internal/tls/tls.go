// Package tls builds the STARTTLS configuration of the SMTP listener.
package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"sync"
	"time"
)

// selfSignedValidity is the lifetime of generated certificates.
const selfSignedValidity = 365 * 24 * time.Hour

// GenerateSelfSignedCert creates an in-memory ECDSA P-256 certificate for
// hostname, with localhost and 127.0.0.1 as extra SANs. Nothing is written
// to disk.
func GenerateSelfSignedCert(hostname string) (*tls.Certificate, error) {
	if hostname == "" {
		hostname = "localhost"
	}
	names := []string{hostname}
	if hostname != "localhost" {
		names = append(names, "localhost")
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generating serial: %w", err)
	}

	notBefore := time.Now().Add(-time.Minute)
	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: hostname, Organization: []string{"vaultmail"}},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(selfSignedValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              names,
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, key.Public(), key)
	if err != nil {
		return nil, fmt.Errorf("signing certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing generated certificate: %w", err)
	}
	return &tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, nil
}

// LoadOrGenerateTLS returns the STARTTLS config. With both files set the
// key pair is read from disk and re-read whenever either file changes, so
// renewed certificates apply without a restart. With neither set a
// self-signed certificate for hostname is used.
func LoadOrGenerateTLS(certFile, keyFile, hostname string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	switch {
	case certFile != "" && keyFile != "":
		r := &keyPairReloader{certFile: certFile, keyFile: keyFile}
		if err := r.reload(); err != nil {
			return nil, err
		}
		cfg.GetCertificate = r.GetCertificate
	case certFile != "" || keyFile != "":
		return nil, errors.New("both TLS certificate and key files must be set")
	default:
		cert, err := GenerateSelfSignedCert(hostname)
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed cert: %w", err)
		}
		cfg.Certificates = []tls.Certificate{*cert}
	}
	return cfg, nil
}

// keyPairReloader serves a key pair from disk, reloading it when the
// modification time of either file moves.
type keyPairReloader struct {
	certFile, keyFile string

	mu       sync.RWMutex
	cert     *tls.Certificate
	certTime time.Time
	keyTime  time.Time
}

func (r *keyPairReloader) reload() error {
	certTime, keyTime, err := r.modTimes()
	if err != nil {
		return err
	}
	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		return fmt.Errorf("failed to load TLS key pair: %w", err)
	}

	r.mu.Lock()
	r.cert = &cert
	r.certTime, r.keyTime = certTime, keyTime
	r.mu.Unlock()
	return nil
}

func (r *keyPairReloader) modTimes() (time.Time, time.Time, error) {
	ci, err := os.Stat(r.certFile)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("stat TLS certificate: %w", err)
	}
	ki, err := os.Stat(r.keyFile)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("stat TLS key: %w", err)
	}
	return ci.ModTime(), ki.ModTime(), nil
}

// GetCertificate implements tls.Config.GetCertificate. A failed reload
// keeps serving the previous pair until the files change again.
func (r *keyPairReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	certTime, keyTime, err := r.modTimes()

	r.mu.RLock()
	cert, stale := r.cert, err == nil && (!certTime.Equal(r.certTime) || !keyTime.Equal(r.keyTime))
	r.mu.RUnlock()

	if stale {
		if err := r.reload(); err != nil {
			slog.Warn("keeping previous TLS certificate", "error", err)
			r.mu.Lock()
			r.certTime, r.keyTime = certTime, keyTime
			r.mu.Unlock()
		} else {
			slog.Info("reloaded TLS certificate", "cert_file", r.certFile)
			r.mu.RLock()
			cert = r.cert
			r.mu.RUnlock()
		}
	}
	return cert, nil
}
