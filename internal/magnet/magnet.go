// Package magnet parses magnet URIs (magnet:?xt=urn:btih:...).
package magnet

import (
	"encoding/base32"
	"encoding/hex"
	"errors"
	"net/url"
	"strings"
)

// Magnet is a parsed magnet link.
type Magnet struct {
	InfoHash [20]byte
	Name     string
	Trackers []string
}

// New parses a magnet: URI.
func New(link string) (*Magnet, error) {
	u, err := url.Parse(link)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "magnet" {
		return nil, errors.New("magnet: not a magnet uri")
	}
	q := u.Query()
	var m Magnet
	found := false
	for _, xt := range q["xt"] {
		const prefix = "urn:btih:"
		if !strings.HasPrefix(xt, prefix) {
			continue
		}
		hash := strings.TrimPrefix(xt, prefix)
		ih, err := decodeInfoHash(hash)
		if err != nil {
			return nil, err
		}
		m.InfoHash = ih
		found = true
		break
	}
	if !found {
		return nil, errors.New("magnet: no btih info hash found")
	}
	m.Name = q.Get("dn")
	m.Trackers = q["tr"]
	return &m, nil
}

func decodeInfoHash(s string) ([20]byte, error) {
	var ih [20]byte
	switch len(s) {
	case 40:
		b, err := hex.DecodeString(s)
		if err != nil {
			return ih, err
		}
		copy(ih[:], b)
	case 32:
		b, err := base32.StdEncoding.DecodeString(strings.ToUpper(s))
		if err != nil {
			return ih, err
		}
		copy(ih[:], b)
	default:
		return ih, errors.New("magnet: invalid info hash length")
	}
	return ih, nil
}
