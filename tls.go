package corehttp

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"log"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"github.com/corehttp/corehttp/bus"
)

// socket.ssl priority the built-in providers below register under; an
// application registering its own provider at a higher number runs first.
const tlsHandlerPriority = 0

// sslContextName derives a unique socket.ssl context name for a listener
// bound to port, since the App keeps one registered handler per TLS
// listener rather than one global context.
func sslContextName(port uint16) string {
	return "corehttp.tls:" + strconv.Itoa(int(port))
}

func portString(port uint16) string {
	return strconv.Itoa(int(port))
}

func isLoopback(addr string) bool {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}

	if host == "localhost" {
		return true
	}

	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// registerHandshake subscribes a socket.ssl handler for ctxName that
// hands the raw socket to tls.Server(conn, tlsCfg): the handshake itself
// runs lazily on the first Read/Write the Connection FSM performs, which
// keeps the accept loop in transport/tcp from blocking on it.
func registerHandshake(b *bus.Bus, ctxName string, tlsCfg *tls.Config) {
	b.Register("socket.ssl", tlsHandlerPriority, func(msg *bus.Message) bool {
		if msg.Param("context") != ctxName {
			return false
		}

		obj, ok := msg.Object("Socket")
		if !ok {
			return false
		}

		raw, ok := obj.(net.Conn)
		if !ok {
			return false
		}

		msg.Attach("Socket", tls.Server(raw, tlsCfg))
		return true
	})
}

// registerStaticCert wires a socket.ssl provider backed by a fixed
// certificate/key pair, grounded on the teacher's Transport.HTTPS
// constructor (tls.LoadX509KeyPair + tls.Config{Certificates: ...}),
// adapted from a net.Listener wrapper into a per-socket dispatch.
func registerStaticCert(b *bus.Bus, ctxName, cert, key string) error {
	certificate, err := tls.LoadX509KeyPair(cert, key)
	if err != nil {
		return err
	}

	registerHandshake(b, ctxName, &tls.Config{Certificates: []tls.Certificate{certificate}})
	return nil
}

// registerAutoTLS wires a socket.ssl provider backed by ACME autocert,
// grounded on the teacher's autoTLSListener.
func registerAutoTLS(b *bus.Bus, ctxName string, domains ...string) error {
	m := &autocert.Manager{Prompt: autocert.AcceptTOS}
	if len(domains) > 0 {
		m.HostPolicy = autocert.HostWhitelist(domains...)
	}

	cache := cacheDir()
	if err := mkdirIfNotExists(cache); err != nil {
		log.Printf("corehttp: AutoHTTPS: not using an on-disk cache: %s", err)
	} else {
		m.Cache = autocert.DirCache(cache)
	}

	registerHandshake(b, ctxName, &tls.Config{GetCertificate: m.GetCertificate})
	return nil
}

// registerSelfSigned wires a socket.ssl provider backed by a generated,
// cached self-signed certificate, for AutoHTTPS on loopback addresses
// where ACME HTTP-01/TLS-ALPN-01 validation can never succeed.
func registerSelfSigned(b *bus.Bus, ctxName string) error {
	cert, key, err := generateSelfSignedCert()
	if err != nil {
		return err
	}

	return registerStaticCert(b, ctxName, cert, key)
}

func homeDir() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("HOMEDRIVE") + os.Getenv("HOMEPATH")
	}
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	return "/"
}

func cacheDir() string {
	const base = "corehttp-autocert"
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Caches", base)
	case "windows":
		for _, ev := range []string{"APPDATA", "CSIDL_APPDATA", "TEMP", "TMP"} {
			if v := os.Getenv(ev); v != "" {
				return filepath.Join(v, base)
			}
		}
		return filepath.Join(homeDir(), base)
	}
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, base)
	}
	return filepath.Join(homeDir(), ".cache", base)
}

// generateSelfSignedCert returns a cached localhost certificate/key pair,
// generating one on first use. Grounded on the teacher's
// generateSelfSignedCert, unchanged in approach.
func generateSelfSignedCert() (cert, key string, err error) {
	var (
		cache        = cacheDir()
		certFilename = filepath.Join(cache, "localhost.crt")
		keyFilename  = filepath.Join(cache, "localhost.key")
	)

	if certExists(certFilename, keyFilename) {
		return certFilename, keyFilename, nil
	}

	if err := mkdirIfNotExists(cache); err != nil {
		return "", "", err
	}

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", "", err
	}

	notBefore := time.Now()
	notAfter := notBefore.Add(10 * 365 * 24 * time.Hour)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"localhost"}},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return "", "", err
	}

	certFile, err := os.Create(certFilename)
	if err != nil {
		return "", "", err
	}
	defer certFile.Close()

	if err := pem.Encode(certFile, &pem.Block{Type: "CERTIFICATE", Bytes: certDER}); err != nil {
		return "", "", err
	}

	keyFile, err := os.Create(keyFilename)
	if err != nil {
		return "", "", err
	}
	defer keyFile.Close()

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", "", err
	}

	if err := pem.Encode(keyFile, &pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}); err != nil {
		return "", "", err
	}

	return certFilename, keyFilename, nil
}

func mkdirIfNotExists(dir string) error {
	if stat, err := os.Stat(dir); err == nil && stat.IsDir() {
		return nil
	}

	return os.MkdirAll(dir, 0700)
}

func certExists(cert, key string) bool {
	return fileExists(cert) && fileExists(key)
}

func fileExists(filename string) bool {
	stat, err := os.Stat(filename)
	return err == nil && !stat.IsDir()
}
