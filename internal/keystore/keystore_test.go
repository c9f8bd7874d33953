package keystore

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
)

func TestGetOrGenerateIsStableAcrossCalls(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, nil)

	kp1, err := store.GetOrGenerate("https://provider.example.com")
	if err != nil {
		t.Fatalf("GetOrGenerate: %v", err)
	}
	kp2, err := store.GetOrGenerate("https://provider.example.com")
	if err != nil {
		t.Fatalf("GetOrGenerate: %v", err)
	}

	if !bytes.Equal(kp1.PrivateKey, kp2.PrivateKey) || !bytes.Equal(kp1.PublicKey, kp2.PublicKey) {
		t.Fatalf("expected stable key pair across calls")
	}
}

func TestGetOrGenerateDistinctPerURL(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, nil)

	a, _ := store.GetOrGenerate("https://one.example.com")
	b, _ := store.GetOrGenerate("https://two.example.com")

	if bytes.Equal(a.PrivateKey, b.PrivateKey) {
		t.Fatalf("expected distinct key pairs for distinct provider URLs")
	}
}

func TestGetOrGenerateRegeneratesOnCorruption(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, nil)

	kp1, _ := store.GetOrGenerate("https://provider.example.com")
	path := store.pathFor("https://provider.example.com")

	// Corrupt the stored public key so it no longer matches the private key.
	bogus := append([]byte(nil), kp1.PublicKey...)
	bogus[0] ^= 0xFF
	corrupt := []byte(base64.StdEncoding.EncodeToString(kp1.PrivateKey) + "\n" + base64.StdEncoding.EncodeToString(bogus) + "\n")
	if err := os.WriteFile(path, corrupt, 0600); err != nil {
		t.Fatalf("corrupt file: %v", err)
	}

	kp2, err := store.GetOrGenerate("https://provider.example.com")
	if err != nil {
		t.Fatalf("GetOrGenerate: %v", err)
	}
	if bytes.Equal(kp1.PrivateKey, kp2.PrivateKey) {
		t.Fatalf("expected regeneration after public key mismatch")
	}
}

func TestPathForDoesNotEmbedURL(t *testing.T) {
	store := New(t.TempDir(), nil)
	path := store.pathFor("https://provider.example.com/weird?query=1")
	if filepath.Ext(path) != ".key" {
		t.Fatalf("expected .key extension, got %s", path)
	}
	if bytes.Contains([]byte(path), []byte("provider.example.com")) {
		t.Fatalf("path leaked raw URL: %s", path)
	}
}
