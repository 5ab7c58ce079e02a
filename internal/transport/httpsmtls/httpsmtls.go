// Package httpsmtls provides the mutual-TLS HTTP client and
// multipart/form-data upload primitive used to reach the external
// results database, grounded on original_source/db.py's DBconnector.
// Only the transport is in scope here: request URLs, JSON payload
// shape, and retry policy for the actual DB commit stay a collaborator
// concern (spec.md §6).
package httpsmtls

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"

	"github.com/auger-prime-sde/ess-sub000/internal/httpkit"
)

// ClientCert names the PEM files a mutual-TLS client presents, plus
// the server's CA certificate used to verify it.
type ClientCert struct {
	ServerCAFile   string
	ClientCertFile string
	ClientKeyFile  string
}

// NewClient builds an *http.Client configured for mutual TLS against
// cert, layered on httpkit's shared transport defaults (dial/TLS
// timeouts, connection pooling, User-Agent).
func NewClient(cert ClientCert, opts ...httpkit.ClientOption) (*http.Client, error) {
	caPEM, err := os.ReadFile(cert.ServerCAFile)
	if err != nil {
		return nil, fmt.Errorf("httpsmtls: read server CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("httpsmtls: no certificates found in %s", cert.ServerCAFile)
	}
	keypair, err := tls.LoadX509KeyPair(cert.ClientCertFile, cert.ClientKeyFile)
	if err != nil {
		return nil, fmt.Errorf("httpsmtls: load client keypair: %w", err)
	}

	transport := httpkit.NewTransport()
	transport.TLSClientConfig = &tls.Config{
		RootCAs:      pool,
		Certificates: []tls.Certificate{keypair},
		MinVersion:   tls.VersionTLS12,
	}

	allOpts := append([]httpkit.ClientOption{httpkit.WithTransport(transport)}, opts...)
	return httpkit.NewClient(allOpts...), nil
}

// Attachment is one file to stream into a multipart body, keyed by its
// form field name.
type Attachment struct {
	FieldName string
	Path      string
}

const boundaryLen = 20

var boundaryAlphabet = []byte("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789")

// NewBoundary generates a random multipart boundary and verifies it
// does not occur as a substring of any attachment, scanning file
// contents directly rather than loading them whole — mirroring
// DBconnector._boundary's mmap-based collision scan, adapted to a
// buffered streaming scan since Go has no zero-friction mmap
// equivalent in the standard library.
func NewBoundary(files []Attachment) (string, error) {
	for {
		b := make([]byte, boundaryLen)
		for i := range b {
			b[i] = boundaryAlphabet[rand.Intn(len(boundaryAlphabet))]
		}
		collision, err := anyContains(files, b)
		if err != nil {
			return "", err
		}
		if !collision {
			return string(b), nil
		}
	}
}

func anyContains(files []Attachment, boundary []byte) (bool, error) {
	for _, f := range files {
		found, err := fileContains(f.Path, boundary)
		if err != nil {
			return false, fmt.Errorf("httpsmtls: scan %s for boundary collision: %w", f.Path, err)
		}
		if found {
			return true, nil
		}
	}
	return false, nil
}

// fileContains scans fp for needle using a sliding window so a match
// straddling two read buffers is not missed.
func fileContains(path string, needle []byte) (bool, error) {
	fp, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer fp.Close()

	const chunkSize = 64 * 1024
	r := bufio.NewReaderSize(fp, chunkSize)
	tail := make([]byte, 0, len(needle))
	buf := make([]byte, chunkSize)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			window := append(tail, buf[:n]...)
			if bytes.Contains(window, needle) {
				return true, nil
			}
			if len(window) > len(needle)-1 {
				tail = append(tail[:0], window[len(window)-(len(needle)-1):]...)
			} else {
				tail = append(tail[:0], window...)
			}
		}
		if rerr != nil {
			break
		}
	}
	return false, nil
}

// ContentLength computes the exact multipart body size for files under
// boundary, the same arithmetic DBconnector._contentLength performs so
// the request can be sent with a known Content-Length rather than
// chunked encoding.
func ContentLength(files []Attachment, boundary string) (int64, error) {
	const partOverhead = 56 // "--boundary\r\nContent-Disposition: ...; filename=...\r\n\r\n" fixed portion
	var total int64
	for _, f := range files {
		info, err := os.Stat(f.Path)
		if err != nil {
			return 0, fmt.Errorf("httpsmtls: stat %s: %w", f.Path, err)
		}
		total += int64(partOverhead+len(boundary)) + 2*int64(len(f.FieldName)) + info.Size() + 2
	}
	total += int64(6 + len(boundary))
	return total, nil
}

// Body streams files as a multipart/form-data body under boundary,
// one part per attachment, reusing each attachment's FieldName as both
// the form field content-disposition name and filename per the original's
// convention.
func Body(files []Attachment, boundary string) (func() ([]byte, error), func() error) {
	idx := 0
	var cur *os.File
	var trailerSent bool

	next := func() ([]byte, error) {
		for {
			if cur == nil {
				if idx >= len(files) {
					if trailerSent {
						return nil, nil
					}
					trailerSent = true
					return []byte(fmt.Sprintf("--%s--\r\n", boundary)), nil
				}
				f := files[idx]
				fp, err := os.Open(f.Path)
				if err != nil {
					return nil, fmt.Errorf("httpsmtls: open %s: %w", f.Path, err)
				}
				cur = fp
				header := fmt.Sprintf("--%s\r\nContent-Disposition: form-data; name=%s; filename=%s\r\n\r\n",
					boundary, f.FieldName, f.FieldName)
				return []byte(header), nil
			}
			buf := make([]byte, 64*1024)
			n, err := cur.Read(buf)
			if n > 0 {
				return buf[:n], nil
			}
			cur.Close()
			cur = nil
			idx++
			if err != nil && err != io.EOF {
				return nil, err
			}
			return []byte("\r\n"), nil
		}
	}
	closeFn := func() error {
		if cur != nil {
			return cur.Close()
		}
		return nil
	}
	return next, closeFn
}
