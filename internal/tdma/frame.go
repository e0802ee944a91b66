package tdma

import (
	"encoding/binary"

	"github.com/rtnet-go/rtnet/internal/rterr"
)

// rtmacDiscTDMA is the RTmac discipline type carried inside every frame
// whose outer Ethernet type is stackmgr.EtherTypeRTmac (0x9021).
const rtmacDiscTDMA uint16 = 0x0001

const tdmaVersion uint8 = 2

// Frame ids, per the sync-frame wire protocol.
const (
	frameSync       uint8 = 0
	frameCalRequest uint8 = 1
	frameCalReply   uint8 = 2
)

// frameHeaderLen is the 2-byte disc type + 1-byte frame id + 1-byte
// version that precedes every TDMA control frame's payload.
const frameHeaderLen = 4

// syncFrameLen is frameHeaderLen plus the 8-byte big-endian nanosecond
// cycle-start timestamp.
const syncFrameLen = frameHeaderLen + 8

// calFrameLen additionally carries the requester's original stamp
// alongside the replier's, so a calibration round-trip can be timed;
// the sync-frame wire format only specifies the leading 4 bytes and a
// timestamp, so this extends it consistently for the two-timestamp
// round-trip the calibration frame ids exist to support.
const calFrameLen = frameHeaderLen + 16

func buildHeader(buf []byte, frameID uint8) {
	binary.BigEndian.PutUint16(buf[0:2], rtmacDiscTDMA)
	buf[2] = frameID
	buf[3] = tdmaVersion
}

// buildSyncFrame encodes a sync (or backup-sync) frame carrying
// cycleStartNs, the master's cycle-start timestamp in nanoseconds.
func buildSyncFrame(cycleStartNs int64) []byte {
	buf := make([]byte, syncFrameLen)
	buildHeader(buf, frameSync)
	binary.BigEndian.PutUint64(buf[frameHeaderLen:], uint64(cycleStartNs))
	return buf
}

// buildCalRequest encodes a calibration request stamped with the
// requester's local send time.
func buildCalRequest(requesterStampNs int64) []byte {
	buf := make([]byte, syncFrameLen)
	buildHeader(buf, frameCalRequest)
	binary.BigEndian.PutUint64(buf[frameHeaderLen:], uint64(requesterStampNs))
	return buf
}

// buildCalReply echoes the requester's stamp back alongside the
// replier's own stamp.
func buildCalReply(requesterStampNs, replierStampNs int64) []byte {
	buf := make([]byte, calFrameLen)
	buildHeader(buf, frameCalReply)
	binary.BigEndian.PutUint64(buf[frameHeaderLen:frameHeaderLen+8], uint64(requesterStampNs))
	binary.BigEndian.PutUint64(buf[frameHeaderLen+8:], uint64(replierStampNs))
	return buf
}

type parsedFrame struct {
	frameID uint8
	version uint8
	stampA  int64 // cycle-start timestamp for sync frames; requester stamp for cal frames
	stampB  int64 // replier stamp, cal-reply only
}

func parseFrame(data []byte) (parsedFrame, error) {
	if len(data) < syncFrameLen {
		return parsedFrame{}, rterr.ErrNotFound
	}
	disc := binary.BigEndian.Uint16(data[0:2])
	if disc != rtmacDiscTDMA {
		return parsedFrame{}, rterr.ErrNotFound
	}
	pf := parsedFrame{
		frameID: data[2],
		version: data[3],
		stampA:  int64(binary.BigEndian.Uint64(data[frameHeaderLen : frameHeaderLen+8])),
	}
	if pf.frameID == frameCalReply {
		if len(data) < calFrameLen {
			return parsedFrame{}, rterr.ErrNotFound
		}
		pf.stampB = int64(binary.BigEndian.Uint64(data[frameHeaderLen+8:]))
	}
	return pf, nil
}
