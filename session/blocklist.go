package session

import (
	"io/ioutil"
	"time"

	"github.com/boltdb/bolt"
)

// startBlocklistReloader loads the configured blocklist file once at
// startup (falling back to whatever was last cached in the resume
// database if the file can't be read) and, if BlocklistUpdateInterval is
// set, keeps reloading it on a ticker for the life of the session.
func (s *Session) startBlocklistReloader() error {
	if s.config.BlocklistPath == "" {
		return nil
	}
	if err := s.reloadBlocklist(); err != nil {
		s.log.Warningln("cannot load blocklist, trying cached copy:", err)
		if cerr := s.loadCachedBlocklist(); cerr != nil {
			s.log.Warningln("cannot load cached blocklist:", cerr)
		}
	}
	if s.config.BlocklistUpdateInterval > 0 {
		go s.blocklistReloadLoop()
	}
	return nil
}

func (s *Session) blocklistReloadLoop() {
	ticker := time.NewTicker(s.config.BlocklistUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.reloadBlocklist(); err != nil {
				s.log.Warningln("cannot reload blocklist:", err)
			}
		case <-s.closeC:
			return
		}
	}
}

// reloadBlocklist re-reads BlocklistPath and caches its raw bytes plus the
// reload time in the resume database, so a future startup can fall back to
// them if the file is temporarily unreachable.
func (s *Session) reloadBlocklist() error {
	if err := s.blocklist.Reload(s.config.BlocklistPath); err != nil {
		return err
	}
	b, err := ioutil.ReadFile(s.config.BlocklistPath)
	if err != nil {
		return err
	}
	now, err := time.Now().MarshalBinary()
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(sessionBucket)
		if err := bucket.Put(blocklistKey, b); err != nil {
			return err
		}
		return bucket.Put(blocklistTimestampKey, now)
	})
}

func (s *Session) loadCachedBlocklist() error {
	var cached []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(sessionBucket).Get(blocklistKey)
		if v != nil {
			cached = append(cached, v...)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if cached == nil {
		return nil
	}
	return s.blocklist.LoadBytes(cached)
}
