package engine

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"strings"

	"github.com/pion/ice/v2"
)

type CertificateType int

const (
	CertificateECDSA CertificateType = iota
	CertificateRSA
)

func (c CertificateType) String() string {
	switch c {
	case CertificateECDSA:
		return "ecdsa"
	case CertificateRSA:
		return "rsa"
	}
	return fmt.Sprintf("CertificateType(%d)", int(c))
}

func ParseCertificateType(s string) (CertificateType, error) {
	switch strings.ToLower(s) {
	case "", "ecdsa":
		return CertificateECDSA, nil
	case "rsa":
		return CertificateRSA, nil
	}
	return 0, fmt.Errorf("%w: certificate type %q", ErrConfigInvalid, s)
}

func (c CertificateType) privateKey() (crypto.PrivateKey, error) {
	switch c {
	case CertificateECDSA:
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case CertificateRSA:
		return rsa.GenerateKey(rand.Reader, 2048)
	}
	return nil, fmt.Errorf("%w: certificate type %d", ErrConfigInvalid, int(c))
}

// PortRange bounds the UDP ports used for host candidates. The zero value
// leaves the choice to the OS.
type PortRange struct {
	Min, Max uint16
}

func (r PortRange) IsZero() bool { return r.Min == 0 && r.Max == 0 }

// Config is the engine configuration. The zero value is the default used by
// the loopback harness.
type Config struct {
	ICEServers      []string
	PortRange       PortRange
	CertificateType CertificateType
	// UDPMuxPort serves every ICE candidate from a single UDP port.
	UDPMuxPort uint16
	// ExcludeLoopback drops loopback host candidates; with it set two peers
	// in one process need a real interface to reach each other.
	ExcludeLoopback bool
}

func (c Config) Validate() error {
	for _, raw := range c.ICEServers {
		if _, err := ice.ParseURL(raw); err != nil {
			return fmt.Errorf("%w: ice server %q: %v", ErrConfigInvalid, raw, err)
		}
	}
	if !c.PortRange.IsZero() && (c.PortRange.Min == 0 || c.PortRange.Min > c.PortRange.Max) {
		return fmt.Errorf("%w: port range %d-%d", ErrConfigInvalid, c.PortRange.Min, c.PortRange.Max)
	}
	switch c.CertificateType {
	case CertificateECDSA, CertificateRSA:
	default:
		return fmt.Errorf("%w: certificate type %d", ErrConfigInvalid, int(c.CertificateType))
	}
	if c.UDPMuxPort != 0 && !c.PortRange.IsZero() {
		return fmt.Errorf("%w: udp mux and port range are exclusive", ErrConfigInvalid)
	}
	return nil
}
