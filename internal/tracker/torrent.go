package tracker

// Torrent is the read-only snapshot of torrent state a tracker needs to
// build an announce request.
type Torrent struct {
	BytesUploaded   int64
	BytesDownloaded int64
	BytesLeft       int64
	InfoHash        [20]byte
	PeerID          [20]byte
	Port            int
}
