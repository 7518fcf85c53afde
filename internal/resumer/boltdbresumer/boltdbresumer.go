// Package boltdbresumer persists torrent resume data in a BoltDB bucket,
// exactly as the session's embedded resume database does.
package boltdbresumer

import (
	"time"

	"github.com/boltdb/bolt"
	"github.com/zeebo/bencode"

	"github.com/coredrop/torrentengine/internal/resumer"
)

// Spec is the bencode-serializable form of resumer.Spec, stored as the
// value of the "spec" key inside a torrent's sub-bucket.
type Spec struct {
	InfoHash        []byte    `bencode:"info_hash"`
	Bitfield        []byte    `bencode:"bitfield"`
	Dest            string    `bencode:"dest"`
	Port            int       `bencode:"port"`
	Name            string    `bencode:"name"`
	Trackers        []string  `bencode:"trackers"`
	Info            []byte    `bencode:"info"`
	AddedAt         time.Time `bencode:"added_at"`
	CreatedAt       time.Time `bencode:"created_at"`
	BytesDownloaded int64     `bencode:"bytes_downloaded"`
	BytesUploaded   int64     `bencode:"bytes_uploaded"`
	BytesWasted     int64     `bencode:"bytes_wasted"`
	SeededFor       int64     `bencode:"seeded_for_ns"`
}

func toWire(s *resumer.Spec) *Spec {
	return &Spec{
		InfoHash:        s.InfoHash,
		Bitfield:        s.Bitfield,
		Dest:            s.Dest,
		Port:            s.Port,
		Name:            s.Name,
		Trackers:        s.Trackers,
		Info:            s.Info,
		AddedAt:         s.AddedAt,
		CreatedAt:       s.CreatedAt,
		BytesDownloaded: s.BytesDownloaded,
		BytesUploaded:   s.BytesUploaded,
		BytesWasted:     s.BytesWasted,
		SeededFor:       int64(s.SeededFor),
	}
}

func fromWire(s *Spec) *resumer.Spec {
	return &resumer.Spec{
		InfoHash:        s.InfoHash,
		Bitfield:        s.Bitfield,
		Dest:            s.Dest,
		Port:            s.Port,
		Name:            s.Name,
		Trackers:        s.Trackers,
		Info:            s.Info,
		AddedAt:         s.AddedAt,
		CreatedAt:       s.CreatedAt,
		BytesDownloaded: s.BytesDownloaded,
		BytesUploaded:   s.BytesUploaded,
		BytesWasted:     s.BytesWasted,
		SeededFor:       time.Duration(s.SeededFor),
	}
}

var (
	specKey    = []byte("spec")
	startedKey = []byte("started")
)

// Resumer persists one torrent's resume data in its own sub-bucket of a
// shared bolt.DB, keyed by id.
type Resumer struct {
	db     *bolt.DB
	bucket []byte
	id     []byte
}

// New returns a Resumer for torrent id, creating its sub-bucket if needed.
func New(db *bolt.DB, bucket []byte, id []byte) (*Resumer, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		_, err := b.CreateBucketIfNotExists(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Resumer{db: db, bucket: bucket, id: id}, nil
}

// Write implements resumer.Resumer.
func (r *Resumer) Write(spec *resumer.Spec) error {
	b, err := bencode.EncodeBytes(toWire(spec))
	if err != nil {
		return err
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		return r.sub(tx).Put(specKey, b)
	})
}

// Read implements resumer.Resumer.
func (r *Resumer) Read() (*resumer.Spec, error) {
	var wire Spec
	err := r.db.View(func(tx *bolt.Tx) error {
		v := r.sub(tx).Get(specKey)
		if v == nil {
			return nil
		}
		return bencode.DecodeBytes(v, &wire)
	})
	if err != nil {
		return nil, err
	}
	return fromWire(&wire), nil
}

// WriteBitfield implements resumer.Resumer.
func (r *Resumer) WriteBitfield(bf []byte) error {
	spec, err := r.Read()
	if err != nil {
		return err
	}
	spec.Bitfield = bf
	return r.Write(spec)
}

// WriteStats implements resumer.Resumer.
func (r *Resumer) WriteStats(s resumer.Stats) error {
	spec, err := r.Read()
	if err != nil {
		return err
	}
	spec.BytesDownloaded = s.BytesDownloaded
	spec.BytesUploaded = s.BytesUploaded
	spec.BytesWasted = s.BytesWasted
	spec.SeededFor = s.SeededFor
	return r.Write(spec)
}

// WriteStarted implements resumer.Resumer.
func (r *Resumer) WriteStarted(started bool) error {
	val := []byte("0")
	if started {
		val = []byte("1")
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		return r.sub(tx).Put(startedKey, val)
	})
}

func (r *Resumer) sub(tx *bolt.Tx) *bolt.Bucket {
	return tx.Bucket(r.bucket).Bucket(r.id)
}
