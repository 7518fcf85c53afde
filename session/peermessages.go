package session

import (
	"bytes"
	"errors"

	"github.com/coredrop/torrentengine/internal/bitfield"
	"github.com/coredrop/torrentengine/internal/infodownloader"
	"github.com/coredrop/torrentengine/internal/metainfo"
	"github.com/coredrop/torrentengine/internal/peer"
	"github.com/coredrop/torrentengine/internal/peerconn"
	"github.com/coredrop/torrentengine/internal/peerprotocol"
	"github.com/zeebo/bencode"
)

// handlePeerMessage dispatches one non-piece message from a peer. Piece
// messages travel on their own channel (handlePieceMessage) so bulk block
// transfer never queues behind control traffic.
func (t *torrent) handlePeerMessage(pm peer.Message) {
	pe := pm.Peer

	if t.info == nil {
		// Extension messages (handshake, ut_metadata) must be processed
		// immediately even without metadata; everything else is replayed
		// once setInfo runs.
		if _, ok := pm.Message.(peerconn.RawExtensionMessage); !ok {
			pe.Messages = append(pe.Messages, pm.Message)
			return
		}
	}

	switch m := pm.Message.(type) {
	case peerprotocol.ChokeMessage:
		pe.PeerChoking = true
		if pd, ok := t.pieceDownloaders[pe]; ok {
			select {
			case pd.ChokeC <- struct{}{}:
			default:
			}
			t.pieceDownloadersChoked[pe] = pd
		}
	case peerprotocol.UnchokeMessage:
		pe.PeerChoking = false
		if pd, ok := t.pieceDownloaders[pe]; ok {
			select {
			case pd.UnchokeC <- struct{}{}:
			default:
			}
			delete(t.pieceDownloadersChoked, pe)
		}
		delete(t.pieceDownloadersSnubbed, pe)
		t.startPieceDownloaders()
		t.startInfoDownloaders()
	case peerprotocol.InterestedMessage:
		pe.PeerInterested = true
		t.unchokePeer(pe)
	case peerprotocol.NotInterestedMessage:
		pe.PeerInterested = false
	case peerprotocol.HaveMessage:
		t.handleHave(pe, m.Index)
	case peerprotocol.HaveAllMessage:
		if t.info == nil {
			return
		}
		bf := pe.Bitfield
		if bf == nil {
			bf = bitfield.New(t.info.NumPieces)
			pe.Bitfield = bf
		}
		for i := uint32(0); i < bf.Len(); i++ {
			bf.Set(i)
		}
		if t.piecePicker != nil {
			t.piecePicker.HandleBitfield(pe, bf)
		}
		t.updateInterestedState(pe)
		t.startPieceDownloaders()
	case peerprotocol.HaveNoneMessage:
		if t.info != nil && pe.Bitfield == nil {
			pe.Bitfield = bitfield.New(t.info.NumPieces)
		}
	case peerprotocol.BitfieldMessage:
		if t.info == nil {
			return
		}
		bf, err := bitfield.NewBytes(m.Data, t.info.NumPieces)
		if err != nil {
			t.log.Errorln("invalid bitfield from", pe.Addr(), err)
			t.closePeer(pe)
			return
		}
		pe.Bitfield = bf
		if t.piecePicker != nil {
			t.piecePicker.HandleBitfield(pe, bf)
		}
		t.updateInterestedState(pe)
		t.startPieceDownloaders()
	case peerprotocol.RequestMessage:
		t.handleRequest(pe, m)
	case peerprotocol.CancelMessage:
		// Outstanding upload replies aren't individually tracked; a cancel
		// simply races the reply, which is harmless.
	case peerprotocol.RejectMessage:
		if pd, ok := t.pieceDownloaders[pe]; ok {
			select {
			case pd.RejectC <- m:
			default:
			}
		}
	case peerprotocol.PortMessage:
		if t.dhtNode != nil {
			t.dhtNode.PeersRequest(string(t.infoHash[:]), true)
		}
	case peerconn.RawExtensionMessage:
		t.handleExtensionMessage(pe, m)
	default:
		t.log.Debugf("unhandled peer message of type %T", m)
	}
}

func (t *torrent) handleHave(pe *peer.Peer, index uint32) {
	if t.info == nil {
		return
	}
	if pe.Bitfield == nil {
		pe.Bitfield = bitfield.New(t.info.NumPieces)
	}
	pe.Bitfield.Set(index)
	if t.piecePicker != nil {
		t.piecePicker.HandleHave(pe, index)
	}
	t.updateInterestedState(pe)
	t.startPieceDownloaders()
}

// updateInterestedState tells pe whether we want anything it has, sending
// an Interested/NotInterested message only when the state actually flips.
func (t *torrent) updateInterestedState(pe *peer.Peer) {
	if t.bitfield == nil || pe.Bitfield == nil {
		return
	}
	interested := false
	for i := uint32(0); i < t.bitfield.Len(); i++ {
		if pe.Bitfield.Test(i) && !t.bitfield.Test(i) {
			interested = true
			break
		}
	}
	if interested == pe.AmInterested {
		return
	}
	pe.AmInterested = interested
	if interested {
		pe.SendMessage(peerprotocol.InterestedMessage{})
	} else {
		pe.SendMessage(peerprotocol.NotInterestedMessage{})
	}
}

// handleRequest serves a block request from our cache/storage.
func (t *torrent) handleRequest(pe *peer.Peer, m peerprotocol.RequestMessage) {
	if pe.AmChoking {
		return
	}
	if t.info == nil || !t.bitfield.Test(m.Index) {
		return
	}
	data, ok := t.pieceCache.Get(m.Index, m.Begin, int(m.Length))
	if !ok {
		t.log.Errorln("cannot serve request, read error for piece", m.Index)
		return
	}
	pe.SendMessage(peerWireMessage{index: m.Index, begin: m.Begin, data: data})
	t.uploadSpeed.Update(int64(len(data)))
	t.resumerStats.BytesUploaded += int64(len(data))
	pe.BytesUploadedInChokePeriod += int64(len(data))
}

// peerWireMessage implements peerprotocol.Message for outgoing "piece"
// replies built from cached bytes rather than a freshly parsed message.
type peerWireMessage struct {
	index, begin uint32
	data         []byte
}

func (peerWireMessage) ID() peerprotocol.MessageID { return peerprotocol.Piece }
func (m peerWireMessage) MarshalBinary() ([]byte, error) {
	out := make([]byte, 8+len(m.data))
	out[0] = byte(m.index >> 24)
	out[1] = byte(m.index >> 16)
	out[2] = byte(m.index >> 8)
	out[3] = byte(m.index)
	out[4] = byte(m.begin >> 24)
	out[5] = byte(m.begin >> 16)
	out[6] = byte(m.begin >> 8)
	out[7] = byte(m.begin)
	copy(out[8:], m.data)
	return out, nil
}

func (t *torrent) handleExtensionMessage(pe *peer.Peer, m peerconn.RawExtensionMessage) {
	if m.ExtendedMessageID == peerprotocol.ExtensionIDHandshake {
		hs, err := peerprotocol.UnmarshalExtensionHandshake(m.Payload)
		if err != nil {
			t.log.Errorln("invalid extension handshake from", pe.Addr(), err)
			return
		}
		pe.ExtensionHandshake = hs
		if t.info == nil {
			t.startInfoDownloaders()
		}
		return
	}
	if pe.ExtensionHandshake == nil {
		return
	}
	metaID, hasMeta := pe.ExtensionHandshake.M[peerprotocol.ExtensionKeyMetadata]
	if hasMeta && m.ExtendedMessageID == metaID {
		t.handleMetadataMessage(pe, m.Payload)
	}
}

func (t *torrent) handleMetadataMessage(pe *peer.Peer, payload []byte) {
	r := bytes.NewReader(payload)
	var msg peerprotocol.ExtensionMetadataMessage
	if err := bencode.NewDecoder(r).Decode(&msg); err != nil {
		t.log.Errorln("invalid ut_metadata message from", pe.Addr(), err)
		t.closePeer(pe)
		return
	}
	extra := payload[len(payload)-r.Len():]

	switch msg.Type {
	case peerprotocol.ExtensionMetadataMessageTypeRequest:
		// Metadata is not served to other peers; requests are ignored.
	case peerprotocol.ExtensionMetadataMessageTypeData:
		id, ok := t.infoDownloaders[pe]
		if !ok {
			return
		}
		if err := id.GotBlock(msg.Piece, extra); err != nil {
			t.log.Errorln(err)
			t.closePeer(pe)
			return
		}
		if id.Done() {
			t.handleInfoDownloaderDone(id)
		} else {
			id.RequestBlocks(pe.ExtensionHandshake.RequestQueue)
		}
	case peerprotocol.ExtensionMetadataMessageTypeReject:
		delete(t.infoDownloaders, pe)
		t.startInfoDownloaders()
	}
}

// startInfoDownloaders assigns peers that have completed their extension
// handshake (and hence know metadata_size) to fetch the info dictionary
// over ut_metadata (BEP-9), used before an info dictionary is known for
// magnet downloads.
func (t *torrent) startInfoDownloaders() {
	if t.info != nil {
		return
	}
	for pe := range t.peers {
		if pe.ExtensionHandshake == nil {
			continue
		}
		if _, ok := pe.ExtensionHandshake.M[peerprotocol.ExtensionKeyMetadata]; !ok {
			continue
		}
		if _, ok := t.infoDownloaders[pe]; ok {
			continue
		}
		if _, ok := t.infoDownloadersSnubbed[pe]; ok {
			continue
		}
		id := infodownloader.New(pe)
		t.infoDownloaders[pe] = id
		id.RequestBlocks(pe.ExtensionHandshake.RequestQueue)
	}
}

func (t *torrent) handleInfoDownloaderDone(id *infodownloader.InfoDownloader) {
	delete(t.infoDownloaders, id.Peer)
	info, err := parseMetadataBytes(id.Bytes, t.infoHash)
	if err != nil {
		t.log.Errorln("invalid metadata received from", id.Peer.Addr(), err)
		t.infoDownloadersSnubbed[id.Peer] = id
		t.startInfoDownloaders()
		return
	}
	if err := t.setInfo(info); err != nil {
		t.stop(err)
		return
	}
	t.name = info.Name
	t.processQueuedMessages()
	t.startAllocator()
}

var errMetadataHashMismatch = errors.New("downloaded metadata does not match info hash")

func parseMetadataBytes(b []byte, wantHash [20]byte) (*metainfo.Info, error) {
	info, err := metainfo.NewInfo(b)
	if err != nil {
		return nil, err
	}
	if info.Hash != wantHash {
		return nil, errMetadataHashMismatch
	}
	return info, nil
}
