package cert

import (
	"bytes"
	"crypto/x509"
	"sync"
	"sync/atomic"
	"testing"
)

func TestIssueLeafSubjectAndChain(t *testing.T) {
	ca, err := NewCA(t.TempDir(), 16)
	if err != nil {
		t.Fatalf("NewCA: %v", err)
	}
	leaf, err := ca.IssueLeaf("Example.COM:443")
	if err != nil {
		t.Fatalf("IssueLeaf: %v", err)
	}
	if leaf.Leaf == nil {
		t.Fatal("leaf certificate not parsed")
	}
	if got := leaf.Leaf.Subject.CommonName; got != "example.com" {
		t.Fatalf("CN = %q, want example.com", got)
	}
	if len(leaf.Leaf.DNSNames) != 1 || leaf.Leaf.DNSNames[0] != "example.com" {
		t.Fatalf("DNSNames = %v, want [example.com]", leaf.Leaf.DNSNames)
	}
	if len(leaf.Certificate) != 2 {
		t.Fatalf("chain length = %d, want 2 (leaf + root)", len(leaf.Certificate))
	}

	roots := x509.NewCertPool()
	roots.AddCert(ca.Root())
	if _, err := leaf.Leaf.Verify(x509.VerifyOptions{Roots: roots, DNSName: "example.com"}); err != nil {
		t.Fatalf("leaf does not verify against root: %v", err)
	}
}

func TestIssueLeafIPHost(t *testing.T) {
	ca, err := NewCA(t.TempDir(), 16)
	if err != nil {
		t.Fatalf("NewCA: %v", err)
	}
	leaf, err := ca.IssueLeaf("127.0.0.1:8443")
	if err != nil {
		t.Fatalf("IssueLeaf: %v", err)
	}
	if len(leaf.Leaf.IPAddresses) != 1 || leaf.Leaf.IPAddresses[0].String() != "127.0.0.1" {
		t.Fatalf("IPAddresses = %v, want [127.0.0.1]", leaf.Leaf.IPAddresses)
	}
	if len(leaf.Leaf.DNSNames) != 0 {
		t.Fatalf("DNSNames = %v, want none for IP host", leaf.Leaf.DNSNames)
	}
}

func TestIssueLeafConcurrentSingleSign(t *testing.T) {
	ca, err := NewCA(t.TempDir(), 16)
	if err != nil {
		t.Fatalf("NewCA: %v", err)
	}
	var signs atomic.Int64
	ca.OnSign(func() { signs.Add(1) })

	const n = 16
	results := make([][]byte, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			leaf, err := ca.IssueLeaf("concurrent.test")
			if err != nil {
				t.Errorf("IssueLeaf: %v", err)
				return
			}
			results[i] = leaf.Certificate[0]
		}(i)
	}
	wg.Wait()

	if got := signs.Load(); got != 1 {
		t.Fatalf("signs = %d, want 1 (single-flight)", got)
	}
	for i := 1; i < n; i++ {
		if !bytes.Equal(results[0], results[i]) {
			t.Fatalf("caller %d got a different certificate", i)
		}
	}
}

func TestIssueLeafCached(t *testing.T) {
	ca, err := NewCA(t.TempDir(), 16)
	if err != nil {
		t.Fatalf("NewCA: %v", err)
	}
	var signs atomic.Int64
	ca.OnSign(func() { signs.Add(1) })

	a, err := ca.IssueLeaf("cached.test:443")
	if err != nil {
		t.Fatalf("first IssueLeaf: %v", err)
	}
	b, err := ca.IssueLeaf("cached.test")
	if err != nil {
		t.Fatalf("second IssueLeaf: %v", err)
	}
	if signs.Load() != 1 {
		t.Fatalf("signs = %d, want 1 (port stripped, cache shared)", signs.Load())
	}
	if !bytes.Equal(a.Certificate[0], b.Certificate[0]) {
		t.Fatal("cache returned a different certificate")
	}
}

func TestRegenerateInvalidatesLeaves(t *testing.T) {
	ca, err := NewCA(t.TempDir(), 16)
	if err != nil {
		t.Fatalf("NewCA: %v", err)
	}
	before, err := ca.IssueLeaf("rotate.test")
	if err != nil {
		t.Fatalf("IssueLeaf: %v", err)
	}
	oldRoot := ca.Root()

	if err := ca.Regenerate(); err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	if bytes.Equal(oldRoot.Raw, ca.Root().Raw) {
		t.Fatal("root unchanged after regeneration")
	}

	after, err := ca.IssueLeaf("rotate.test")
	if err != nil {
		t.Fatalf("IssueLeaf after regenerate: %v", err)
	}
	if bytes.Equal(before.Certificate[0], after.Certificate[0]) {
		t.Fatal("leaf cache survived root regeneration")
	}
	roots := x509.NewCertPool()
	roots.AddCert(ca.Root())
	if _, err := after.Leaf.Verify(x509.VerifyOptions{Roots: roots, DNSName: "rotate.test"}); err != nil {
		t.Fatalf("new leaf does not chain to new root: %v", err)
	}
}

func TestRootPersistsAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	first, err := NewCA(dir, 16)
	if err != nil {
		t.Fatalf("NewCA: %v", err)
	}
	second, err := NewCA(dir, 16)
	if err != nil {
		t.Fatalf("NewCA reopen: %v", err)
	}
	if !bytes.Equal(first.Root().Raw, second.Root().Raw) {
		t.Fatal("reopening the profile produced a different root")
	}
}

func TestRootPEMHasNoKey(t *testing.T) {
	ca, err := NewCA(t.TempDir(), 16)
	if err != nil {
		t.Fatalf("NewCA: %v", err)
	}
	pemOut := ca.RootPEM()
	if !bytes.Contains(pemOut, []byte("BEGIN CERTIFICATE")) {
		t.Fatal("export missing certificate block")
	}
	if bytes.Contains(pemOut, []byte("PRIVATE KEY")) {
		t.Fatal("export leaked the private key")
	}
}

func TestIssueLeafEmptyHost(t *testing.T) {
	ca, err := NewCA(t.TempDir(), 16)
	if err != nil {
		t.Fatalf("NewCA: %v", err)
	}
	if _, err := ca.IssueLeaf("  "); err == nil {
		t.Fatal("expected error for empty host")
	}
}
