package mse

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
)

// Stream wraps a io.ReadWriter with a pair of RC4 ciphers, making the
// framing codec above it unaware of encryption.
type Stream struct {
	rw   io.ReadWriter
	pair *RC4Pair
}

// NewStream wraps rw with pair's ciphers.
func NewStream(rw io.ReadWriter, pair *RC4Pair) *Stream {
	return &Stream{rw: rw, pair: pair}
}

// Read implements io.Reader, decrypting in place.
func (s *Stream) Read(p []byte) (int, error) {
	n, err := s.rw.Read(p)
	if n > 0 {
		XORKeyStreamInPlace(s.pair.Decrypt, p[:n])
	}
	return n, err
}

// Write implements io.Writer, encrypting a copy of p so callers may reuse
// their buffer.
func (s *Stream) Write(p []byte) (int, error) {
	out := make([]byte, len(p))
	copy(out, p)
	XORKeyStreamInPlace(s.pair.Encrypt, out)
	return s.rw.Write(out)
}

func randPad(max int) ([]byte, error) {
	n, err := randInt(max + 1)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

func randInt(bound int) (int, error) {
	if bound <= 0 {
		return 0, nil
	}
	var b [1]byte
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		return 0, err
	}
	return int(b[0]) % bound, nil
}

// HandshakeInitiate performs the initiator side of the MSE handshake.
// cryptoProvide lists acceptable ciphers in
// preference order (tried in the order given); ia is the plaintext
// application payload to embed (typically the plain BT1 handshake).
// Returns the negotiated RC4Pair (nil if plaintext was selected) and
// whatever bytes the responder already sent beyond its own handshake (the
// responder's first application-layer bytes, if it sent any eagerly — not
// used by this implementation, always empty).
func HandshakeInitiate(rw io.ReadWriter, infoHash []byte, cryptoProvide CryptoMethod, ia []byte) (*RC4Pair, CryptoMethod, error) {
	kp, err := NewKeyPair(rand.Reader)
	if err != nil {
		return nil, 0, err
	}
	pad, err := randPad(512)
	if err != nil {
		return nil, 0, err
	}
	if _, err := rw.Write(append(append([]byte{}, kp.Public[:]...), pad...)); err != nil {
		return nil, 0, err
	}

	peerPub := make([]byte, 96)
	if _, err := io.ReadFull(rw, peerPub); err != nil {
		return nil, 0, err
	}
	secret := kp.SharedSecret(peerPub)

	req1 := Hash("req1", secret)
	req2 := Hash("req2", infoHash)
	req3 := Hash("req3", secret)
	var xored [20]byte
	for i := range xored {
		xored[i] = req2[i] ^ req3[i]
	}

	rc4Pair, err := NewRC4Pair(secret, infoHash, true)
	if err != nil {
		return nil, 0, err
	}

	provideBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(provideBuf, uint32(cryptoProvide))
	iaPad, err := randPad(512)
	if err != nil {
		return nil, 0, err
	}
	lenPad := make([]byte, 2)
	binary.BigEndian.PutUint16(lenPad, uint16(len(iaPad)))
	lenIA := make([]byte, 2)
	binary.BigEndian.PutUint16(lenIA, uint16(len(ia)))

	plain := append(append([]byte{}, VC[:]...), provideBuf...)
	plain = append(plain, lenPad...)
	plain = append(plain, iaPad...)
	plain = append(plain, lenIA...)
	plain = append(plain, ia...)

	encBuf := make([]byte, len(plain))
	copy(encBuf, plain)
	XORKeyStreamInPlace(rc4Pair.Encrypt, encBuf)

	out := append(append(req1[:], xored[:]...), encBuf...)
	if _, err := rw.Write(out); err != nil {
		return nil, 0, err
	}

	// Responder reply: ENCRYPT(VC || crypto_select || len(pad) || pad).
	header := make([]byte, 14)
	if _, err := io.ReadFull(rw, header); err != nil {
		return nil, 0, err
	}
	XORKeyStreamInPlace(rc4Pair.Decrypt, header)
	if !bytes.Equal(header[0:8], VC[:]) {
		return nil, 0, ErrHandshakeFailed
	}
	cryptoSelect := CryptoMethod(binary.BigEndian.Uint32(header[8:12]))
	padLen := binary.BigEndian.Uint16(header[12:14])
	if padLen > 0 {
		discard := make([]byte, padLen)
		if _, err := io.ReadFull(rw, discard); err != nil {
			return nil, 0, err
		}
		XORKeyStreamInPlace(rc4Pair.Decrypt, discard)
	}

	if cryptoSelect == CryptoPlaintext {
		return nil, CryptoPlaintext, nil
	}
	if cryptoSelect != CryptoRC4 {
		return nil, 0, ErrHandshakeFailed
	}
	return rc4Pair, CryptoRC4, nil
}

// SKeyLookup resolves a torrent's info-hash from its candidate set given the
// XORed req2/req3 value the initiator sent, by trying every known
// info-hash (the MSE spec's "scan forward" step — there is no other way to
// identify which torrent an incoming encrypted connection refers to).
type SKeyLookup func(req2Xored [20]byte, req3 [20]byte) (infoHash []byte, ok bool)

// HandshakeAccept performs the responder side of the MSE handshake.
// allowed lists the ciphers this side is willing to select from, in
// preference order; preferRC4 breaks ties toward RC4 when both plaintext
// and RC4 are acceptable to both sides.
func HandshakeAccept(rw io.ReadWriter, lookup SKeyLookup, allowed CryptoMethod, preferRC4 bool) (infoHash []byte, rc4Pair *RC4Pair, selected CryptoMethod, ia []byte, err error) {
	kp, err := NewKeyPair(rand.Reader)
	if err != nil {
		return nil, nil, 0, nil, err
	}
	peerPub := make([]byte, 96)
	if _, err = io.ReadFull(rw, peerPub); err != nil {
		return nil, nil, 0, nil, err
	}
	secret := kp.SharedSecret(peerPub)

	pad, err := randPad(512)
	if err != nil {
		return nil, nil, 0, nil, err
	}
	if _, err = rw.Write(append(append([]byte{}, kp.Public[:]...), pad...)); err != nil {
		return nil, nil, 0, nil, err
	}

	req1 := Hash("req1", secret)
	req3 := Hash("req3", secret)

	// Scan forward for req1, up to MaxSyncLength bytes.
	buf := make([]byte, 0, MaxSyncLength+20)
	chunk := make([]byte, 32)
	for len(buf) < MaxSyncLength+20 {
		n, rerr := rw.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if off, found := FindSyncHash(buf, req1[:]); found {
			buf = buf[off+20:]
			goto foundSync
		}
		if rerr != nil {
			return nil, nil, 0, nil, rerr
		}
	}
	return nil, nil, 0, nil, ErrHandshakeFailed

foundSync:
	for len(buf) < 20 {
		tmp := make([]byte, 20-len(buf))
		n, rerr := io.ReadFull(rw, tmp)
		buf = append(buf, tmp[:n]...)
		if rerr != nil {
			return nil, nil, 0, nil, rerr
		}
	}
	var req2Xored [20]byte
	copy(req2Xored[:], buf[:20])
	buf = buf[20:]

	ih, ok := lookup(req2Xored, req3)
	if !ok {
		return nil, nil, 0, nil, ErrHandshakeFailed
	}

	rc4Pair, err = NewRC4Pair(secret, ih, false)
	if err != nil {
		return nil, nil, 0, nil, err
	}

	// Read until we have VC(8) + crypto_provide(4) + len(pad)(2).
	for len(buf) < 14 {
		tmp := make([]byte, 14-len(buf))
		n, rerr := io.ReadFull(rw, tmp)
		buf = append(buf, tmp[:n]...)
		if rerr != nil {
			return nil, nil, 0, nil, rerr
		}
	}
	header := make([]byte, 14)
	copy(header, buf[:14])
	XORKeyStreamInPlace(rc4Pair.Decrypt, header)
	buf = buf[14:]
	if !bytes.Equal(header[0:8], VC[:]) {
		return nil, nil, 0, nil, ErrHandshakeFailed
	}
	cryptoProvide := CryptoMethod(binary.BigEndian.Uint32(header[8:12]))
	lenPad := binary.BigEndian.Uint16(header[12:14])

	for len(buf) < int(lenPad)+2 {
		tmp := make([]byte, int(lenPad)+2-len(buf))
		n, rerr := io.ReadFull(rw, tmp)
		buf = append(buf, tmp[:n]...)
		if rerr != nil {
			return nil, nil, 0, nil, rerr
		}
	}
	rest := make([]byte, len(buf))
	copy(rest, buf)
	XORKeyStreamInPlace(rc4Pair.Decrypt, rest)
	rest = rest[lenPad:]
	lenIA := binary.BigEndian.Uint16(rest[0:2])
	rest = rest[2:]
	for len(rest) < int(lenIA) {
		tmp := make([]byte, int(lenIA)-len(rest))
		n, rerr := io.ReadFull(rw, tmp)
		XORKeyStreamInPlace(rc4Pair.Decrypt, tmp[:n])
		rest = append(rest, tmp[:n]...)
		if rerr != nil {
			return nil, nil, 0, nil, rerr
		}
	}
	ia = rest[:lenIA]

	selected = chooseCipher(cryptoProvide, allowed, preferRC4)
	if selected == 0 {
		return nil, nil, 0, nil, errors.New("mse: no common crypto method")
	}

	replyBuf := make([]byte, 14)
	copy(replyBuf[0:8], VC[:])
	binary.BigEndian.PutUint32(replyBuf[8:12], uint32(selected))
	XORKeyStreamInPlace(rc4Pair.Encrypt, replyBuf)
	if _, err = rw.Write(replyBuf); err != nil {
		return nil, nil, 0, nil, err
	}

	if selected == CryptoPlaintext {
		return ih, nil, CryptoPlaintext, ia, nil
	}
	return ih, rc4Pair, CryptoRC4, ia, nil
}

func chooseCipher(provide, allowed CryptoMethod, preferRC4 bool) CryptoMethod {
	both := provide & allowed
	if both == 0 {
		return 0
	}
	if preferRC4 && both&CryptoRC4 != 0 {
		return CryptoRC4
	}
	if both&CryptoPlaintext != 0 {
		return CryptoPlaintext
	}
	if both&CryptoRC4 != 0 {
		return CryptoRC4
	}
	return 0
}
