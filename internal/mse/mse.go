// Package mse implements BitTorrent Message Stream Encryption (MSE / "PE"):
// opportunistic Diffie-Hellman key exchange followed by an RC4 stream wrap,
// used to obfuscate the protocol handshake.
package mse

import (
	"crypto/hmac"
	"crypto/rc4"
	"crypto/sha1"
	"crypto/subtle"
	"errors"
	"io"
	"math/big"
)

// CryptoMethod is a bitmask of ciphers a side will accept/select.
type CryptoMethod uint32

// Crypto methods negotiated during the handshake.
const (
	CryptoPlaintext CryptoMethod = 1
	CryptoRC4       CryptoMethod = 2
)

// dhPrime and dhGenerator are the fixed 768-bit MSE Diffie-Hellman
// parameters defined by the MSE specification.
var (
	dhPrime, _ = new(big.Int).SetString(
		"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E08"+
			"8A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A43"+
			"1B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C"+
			"42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C"+
			"4B1FE649286651ECE65381FFFFFFFFFFFFFFFF", 16)
	dhGenerator = big.NewInt(2)
)

// KeyPair is a local Diffie-Hellman key pair.
type KeyPair struct {
	private *big.Int
	Public  [96]byte
}

// NewKeyPair generates a fresh DH key pair using randSource for the private
// exponent (pass crypto/rand.Reader in production; tests may inject a
// deterministic source).
func NewKeyPair(randSource io.Reader) (*KeyPair, error) {
	privBytes := make([]byte, 20)
	if _, err := io.ReadFull(randSource, privBytes); err != nil {
		return nil, err
	}
	priv := new(big.Int).SetBytes(privBytes)
	pub := new(big.Int).Exp(dhGenerator, priv, dhPrime)
	kp := &KeyPair{private: priv}
	pub.FillBytes(kp.Public[:])
	return kp, nil
}

// SharedSecret computes S = (peerPublic)^private mod P.
func (kp *KeyPair) SharedSecret(peerPublic []byte) []byte {
	y := new(big.Int).SetBytes(peerPublic)
	s := new(big.Int).Exp(y, kp.private, dhPrime)
	buf := make([]byte, 96)
	s.FillBytes(buf)
	return buf
}

// Hash computes SHA1(label || S [|| extra...]), used for req1/req2/req3 and
// the per-direction RC4 key derivation.
func Hash(label string, parts ...[]byte) [20]byte {
	h := sha1.New()
	h.Write([]byte(label))
	for _, p := range parts {
		h.Write(p)
	}
	var out [20]byte
	copy(out[:], h.Sum(nil))
	return out
}

// VC is the 8-byte verification constant sent/expected during negotiation.
var VC = [8]byte{}

// MaxSyncLength bounds the scan for a sync hash before declaring failure.
const MaxSyncLength = 532

// FindSyncHash scans buf for needle, returning its offset. It only
// considers offsets within MaxSyncLength bytes of the start of buf; beyond
// that it reports not-found, matching the MSE alignment contract.
func FindSyncHash(buf []byte, needle []byte) (offset int, found bool) {
	limit := len(buf) - len(needle)
	if limit > MaxSyncLength {
		limit = MaxSyncLength
	}
	for i := 0; i <= limit; i++ {
		if i+len(needle) > len(buf) {
			break
		}
		if hmac.Equal(buf[i:i+len(needle)], needle) {
			return i, true
		}
	}
	return 0, false
}

// RC4Pair holds the two independent per-direction RC4 stream ciphers
// derived from the shared secret, after discarding the first 1024 bytes of
// each keystream.
type RC4Pair struct {
	Encrypt *rc4.Cipher
	Decrypt *rc4.Cipher
}

const discardBytes = 1024

// NewRC4Pair derives the two directional ciphers. initiator selects which
// HASH label ("keyA"/"keyB") is used for encrypt vs decrypt so that both
// ends agree on a shared key schedule.
func NewRC4Pair(sharedSecret, infoHash []byte, initiator bool) (*RC4Pair, error) {
	keyA := Hash("keyA", sharedSecret, infoHash)
	keyB := Hash("keyB", sharedSecret, infoHash)

	var myKey, peerKey [20]byte
	if initiator {
		myKey, peerKey = keyA, keyB
	} else {
		myKey, peerKey = keyB, keyA
	}
	enc, err := rc4.NewCipher(myKey[:])
	if err != nil {
		return nil, err
	}
	dec, err := rc4.NewCipher(peerKey[:])
	if err != nil {
		return nil, err
	}
	discard := make([]byte, discardBytes)
	enc.XORKeyStream(discard, discard)
	discard = make([]byte, discardBytes)
	dec.XORKeyStream(discard, discard)
	return &RC4Pair{Encrypt: enc, Decrypt: dec}, nil
}

// XORKeyStreamInPlace encrypts/decrypts b in place using c.
func XORKeyStreamInPlace(c *rc4.Cipher, b []byte) {
	c.XORKeyStream(b, b)
}

// ErrHandshakeFailed is a generic MSE negotiation failure.
var ErrHandshakeFailed = errors.New("mse: handshake failed")

// ConstantTimeCompare is used where timing side-channels on secret
// comparisons would otherwise matter (req2/req3 verification).
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
