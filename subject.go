package cbt

import (
	"crypto/x509"
	"encoding/pem"

	"github.com/pkg/errors"
)

var ErrNoSubject = errors.New("certificate carries no usable subject")

type subjectStrategy func(cert *x509.Certificate) (string, bool)

// Tried in order; the first one to produce a value wins.
var subjectStrategies = []subjectStrategy{
	func(cert *x509.Certificate) (string, bool) {
		return first(cert.DNSNames)
	},
	func(cert *x509.Certificate) (string, bool) {
		if len(cert.IPAddresses) == 0 {
			return "", false
		}

		return cert.IPAddresses[0].String(), true
	},
	func(cert *x509.Certificate) (string, bool) {
		return first(cert.EmailAddresses)
	},
	func(cert *x509.Certificate) (string, bool) {
		cn := cert.Subject.CommonName
		return cn, cn != ""
	},
}

func first(values []string) (string, bool) {
	for _, v := range values {
		if v != "" {
			return v, true
		}
	}

	return "", false
}

// CertSubject picks the name a TLS client should expect from the server
// certificate in certPEM: the first DNS, IP or email subject alternative
// name, falling back to the subject common name.
func CertSubject(certPEM []byte) (string, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return "", errors.New("no certificate found in PEM data")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", errors.Wrapf(err, "parsing certificate")
	}

	for _, strategy := range subjectStrategies {
		if subject, ok := strategy(cert); ok {
			return subject, nil
		}
	}

	return "", ErrNoSubject
}
