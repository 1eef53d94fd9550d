package types

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestMarshalJSONPublicKey(t *testing.T) {
	pr := NewPrivateKey()
	pub1 := pr.Public()
	b, err := json.Marshal(pub1)
	if err != nil {
		t.Fatal(err)
	}
	pub2 := PublicKey{}
	err = json.Unmarshal(b, &pub2)
	if err != nil {
		t.Fatal(err)
	}
	if pub1 != pub2 {
		t.Fatal("pub1 and pub2 should be the same")
	}
}

func TestParsePublicKeyRejectsShortKey(t *testing.T) {
	_, err := ParsePublicKey("AAAA")
	if !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestReadPrivateKeyFile(t *testing.T) {
	priv := NewPrivateKey()
	text, err := priv.MarshalText()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "private_key")
	if err := os.WriteFile(path, append(text, '\n'), 0600); err != nil {
		t.Fatal(err)
	}

	read, err := ReadPrivateKeyFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if read.Public() != priv.Public() {
		t.Fatal("key read from file derives a different public key")
	}
}
