package mse

import (
	"bytes"
	"crypto/rand"
	"io"
	"testing"
)

func TestFindSyncHashWithinLimit(t *testing.T) {
	needle := bytes.Repeat([]byte{0x42}, 20)
	for _, k := range []int{0, 1, 100, 512} {
		pad := make([]byte, k)
		if _, err := io.ReadFull(rand.Reader, pad); err != nil {
			t.Fatal(err)
		}
		buf := append(append([]byte{}, pad...), needle...)
		buf = append(buf, []byte("tail-bytes-after-sync")...)
		off, found := FindSyncHash(buf, needle)
		if !found || off != k {
			t.Fatalf("k=%d: expected found at %d, got found=%v off=%d", k, k, found, off)
		}
	}
}

func TestFindSyncHashBeyondLimitFails(t *testing.T) {
	needle := bytes.Repeat([]byte{0x42}, 20)
	pad := make([]byte, MaxSyncLength+1)
	buf := append(pad, needle...)
	if _, found := FindSyncHash(buf, needle); found {
		t.Fatal("expected sync hash beyond MaxSyncLength to not be found")
	}
}

func TestSharedSecretAgreement(t *testing.T) {
	a, err := NewKeyPair(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewKeyPair(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	sa := a.SharedSecret(b.Public[:])
	sb := b.SharedSecret(a.Public[:])
	if !bytes.Equal(sa, sb) {
		t.Fatal("expected both sides to derive the same shared secret")
	}
}

func TestRC4PairDirectionsDiffer(t *testing.T) {
	secret := bytes.Repeat([]byte{0x01}, 96)
	infoHash := bytes.Repeat([]byte{0x02}, 20)
	initiatorPair, err := NewRC4Pair(secret, infoHash, true)
	if err != nil {
		t.Fatal(err)
	}
	responderPair, err := NewRC4Pair(secret, infoHash, false)
	if err != nil {
		t.Fatal(err)
	}
	plain := []byte("hello, bittorrent")
	enc := make([]byte, len(plain))
	copy(enc, plain)
	XORKeyStreamInPlace(initiatorPair.Encrypt, enc)

	dec := make([]byte, len(enc))
	copy(dec, enc)
	XORKeyStreamInPlace(responderPair.Decrypt, dec)
	if !bytes.Equal(dec, plain) {
		t.Fatalf("expected responder to decrypt initiator's stream, got %q", dec)
	}
}
