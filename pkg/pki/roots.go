// Package pki loads country signing (CSCA) trust anchors for passive
// authentication.
package pki

import (
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// RootsFromFile loads a certificate pool from one PEM bundle.
func RootsFromFile(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pki: read %s: %w", path, err)
	}

	roots := x509.NewCertPool()
	if ok := roots.AppendCertsFromPEM(pem); !ok {
		return nil, fmt.Errorf("pki: no certificates in %s", path)
	}
	return roots, nil
}

// RootsFromDirectory loads every .pem file in a directory into one pool.
// Files that fail to parse are skipped; an empty resulting pool is an
// error.
func RootsFromDirectory(dirPath string) (*x509.CertPool, error) {
	files, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, fmt.Errorf("pki: read directory %s: %w", dirPath, err)
	}

	roots := x509.NewCertPool()
	loaded := 0
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".pem") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dirPath, file.Name()))
		if err != nil {
			continue
		}
		if roots.AppendCertsFromPEM(data) {
			loaded++
		}
	}
	if loaded == 0 {
		return nil, fmt.Errorf("pki: no usable trust anchors under %s", dirPath)
	}
	return roots, nil
}
