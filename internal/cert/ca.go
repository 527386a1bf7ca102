package cert

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

const (
	rootCertFile = "ez-shark-ca.crt"
	rootKeyFile  = "ez-shark-ca.key"

	rootYearsValid = 10
	leafTTL        = 365 * 24 * time.Hour
	// leaves are backdated slightly to absorb clock skew
	backdate = 5 * time.Minute
)

// ErrCAInit covers unwritable profile directories and root signing
// failures. It is fatal to startup.
var ErrCAInit = errors.New("cert: ca init failed")

type leafEntry struct {
	cert     tls.Certificate
	notAfter time.Time
}

// CA owns the root certificate and issues cached per-host leaves.
// Issuance for the same hostname is collapsed via singleflight; the leaf
// cache is LRU-bounded so interception of many hosts cannot grow without
// limit.
type CA struct {
	profileDir string

	mu      sync.RWMutex
	root    *x509.Certificate
	rootKey *rsa.PrivateKey

	cache *lru.Cache[string, leafEntry]
	group singleflight.Group

	// counts actual signing operations, for tests and metrics
	signs func()
}

// NewCA loads the persisted root pair from profileDir or generates and
// persists a fresh one. cacheSize bounds the leaf cache (<=0 uses 256).
func NewCA(profileDir string, cacheSize int) (*CA, error) {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, err := lru.New[string, leafEntry](cacheSize)
	if err != nil {
		return nil, err
	}
	ca := &CA{profileDir: profileDir, cache: cache}
	if err := ca.loadOrCreateRoot(); err != nil {
		return nil, err
	}
	return ca, nil
}

// OnSign registers a hook called once per actual leaf signing operation.
func (ca *CA) OnSign(fn func()) { ca.signs = fn }

func (ca *CA) loadOrCreateRoot() error {
	certPath := filepath.Join(ca.profileDir, rootCertFile)
	keyPath := filepath.Join(ca.profileDir, rootKeyFile)

	certPEM, cerr := os.ReadFile(certPath)
	keyPEM, kerr := os.ReadFile(keyPath)
	if cerr == nil && kerr == nil {
		root, key, err := parseRootPair(certPEM, keyPEM)
		if err == nil && time.Now().Before(root.NotAfter) {
			ca.mu.Lock()
			ca.root, ca.rootKey = root, key
			ca.mu.Unlock()
			return nil
		}
		// unreadable or expired on disk: fall through and regenerate
	}
	return ca.generateRoot()
}

func (ca *CA) generateRoot() error {
	if err := os.MkdirAll(ca.profileDir, 0o700); err != nil {
		return fmt.Errorf("%w: %v", ErrCAInit, err)
	}
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCAInit, err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCAInit, err)
	}
	now := time.Now().Add(-backdate)
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "ez-shark Root CA", Organization: []string{"ez-shark"}},
		NotBefore:             now,
		NotAfter:              now.AddDate(rootYearsValid, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCAInit, err)
	}
	root, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCAInit, err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(filepath.Join(ca.profileDir, rootCertFile), certPEM, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrCAInit, err)
	}
	if err := os.WriteFile(filepath.Join(ca.profileDir, rootKeyFile), keyPEM, 0o600); err != nil {
		return fmt.Errorf("%w: %v", ErrCAInit, err)
	}

	ca.mu.Lock()
	ca.root, ca.rootKey = root, key
	ca.mu.Unlock()
	ca.cache.Purge()
	return nil
}

func parseRootPair(certPEM, keyPEM []byte) (*x509.Certificate, *rsa.PrivateKey, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, nil, errors.New("cert: invalid root certificate PEM")
	}
	root, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, err
	}
	kblk, _ := pem.Decode(keyPEM)
	if kblk == nil {
		return nil, nil, errors.New("cert: invalid root key PEM")
	}
	var key *rsa.PrivateKey
	switch kblk.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(kblk.Bytes)
		if err != nil {
			return nil, nil, err
		}
	case "PRIVATE KEY":
		pk, err := x509.ParsePKCS8PrivateKey(kblk.Bytes)
		if err != nil {
			return nil, nil, err
		}
		var ok bool
		key, ok = pk.(*rsa.PrivateKey)
		if !ok {
			return nil, nil, errors.New("cert: only RSA keys are supported for the root")
		}
	default:
		return nil, nil, errors.New("cert: unknown root key PEM block type")
	}
	return root, key, nil
}

// Root returns the current root certificate.
func (ca *CA) Root() *x509.Certificate {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return ca.root
}

// RootPEM exports the root certificate (never the key) for trust-store
// installation by the surrounding application.
func (ca *CA) RootPEM() []byte {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.root.Raw})
}

// Regenerate replaces the root pair on disk and drops every cached leaf,
// so subsequent issuance chains to the new root.
func (ca *CA) Regenerate() error {
	return ca.generateRoot()
}

// IssueLeaf returns a certificate for host (host or host:port), reusing a
// cached non-expired leaf when one exists. Concurrent callers for the same
// hostname share a single signing operation.
func (ca *CA) IssueLeaf(host string) (tls.Certificate, error) {
	h := strings.TrimSpace(host)
	if h == "" {
		return tls.Certificate{}, errors.New("cert: empty host for leaf issuance")
	}
	if strings.Contains(h, ":") {
		if v, _, err := net.SplitHostPort(h); err == nil {
			h = v
		}
	}
	h = strings.ToLower(h)

	if e, ok := ca.cache.Get(h); ok && time.Now().Before(e.notAfter) {
		return e.cert, nil
	}

	v, err, _ := ca.group.Do(h, func() (any, error) {
		// re-check inside the flight: a racing caller may have filled it
		if e, ok := ca.cache.Get(h); ok && time.Now().Before(e.notAfter) {
			return e.cert, nil
		}
		leaf, notAfter, err := ca.sign(h)
		if err != nil {
			return nil, err
		}
		ca.cache.Add(h, leafEntry{cert: leaf, notAfter: notAfter})
		return leaf, nil
	})
	if err != nil {
		return tls.Certificate{}, err
	}
	return v.(tls.Certificate), nil
}

func (ca *CA) sign(host string) (tls.Certificate, time.Time, error) {
	ca.mu.RLock()
	root, rootKey := ca.root, ca.rootKey
	ca.mu.RUnlock()

	if ca.signs != nil {
		ca.signs()
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, time.Time{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, time.Time{}, err
	}
	now := time.Now().Add(-backdate)
	notAfter := now.Add(leafTTL)
	// a leaf must not outlive its issuer
	if notAfter.After(root.NotAfter) {
		notAfter = root.NotAfter
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: host},
		NotBefore:             now,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{host},
	}
	if ip := net.ParseIP(host); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
		tmpl.DNSNames = nil
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, root, &key.PublicKey, rootKey)
	if err != nil {
		return tls.Certificate{}, time.Time{}, err
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, time.Time{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{der, root.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}, notAfter, nil
}
