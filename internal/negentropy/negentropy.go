// Package negentropy implements the range-based set-reconciliation codec
// used by internal/relay's bulk sync (spec §4.6). It operates over
// (event id, timestamp) pairs: a local Reconciler is seeded with the local
// set, produces an initial frame, and on each peer frame produces a reply
// frame (possibly empty, meaning reconciliation is done) plus the ids the
// local side has that the peer doesn't (HaveIDs) and vice versa (NeedIDs).
//
// This is a from-scratch implementation of the protocol spec §4.6
// describes (bound+fingerprint ranges, recursive subdivision); no pack
// repo or public Go library implements Negentropy, so there is nothing to
// adapt it from — see DESIGN.md.
package negentropy

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// Item is one (event id, timestamp) pair.
type Item struct {
	ID        [32]byte
	Timestamp int64
}

// FrameSizeLimit is the maximum encoded frame size (spec §6): 60,000 bytes.
const FrameSizeLimit = 60_000

const (
	modeSkip uint8 = iota
	modeFingerprint
	modeIDList
)

// bound is the exclusive upper bound of a range: (timestamp, id). Ranges
// are ordered by (timestamp, id) and partition the full keyspace.
type bound struct {
	timestamp int64
	id        [32]byte
}

func boundAfter(it Item) bound { return bound{timestamp: it.Timestamp, id: it.ID} }

var maxID = func() [32]byte {
	var b [32]byte
	for i := range b {
		b[i] = 0xff
	}
	return b
}()

var maxBound = bound{timestamp: 1<<63 - 1, id: maxID}

func (b bound) less(o bound) bool {
	if b.timestamp != o.timestamp {
		return b.timestamp < o.timestamp
	}
	return bytes.Compare(b.id[:], o.id[:]) < 0
}

func (b bound) equal(o bound) bool {
	return b.timestamp == o.timestamp && b.id == o.id
}

// rangeMsg is one wire range: everything up to (not including) upper.
type rangeMsg struct {
	upper bound
	mode  uint8
	fp    [32]byte // valid when mode == modeFingerprint
	ids   [][32]byte
}

// Reconciler holds the local item set and drives one reconciliation session.
type Reconciler struct {
	items      []Item // sorted by (timestamp, id)
	bucketSize int    // max items per bucket before it gets an explicit id list
}

// New seeds a Reconciler with the local item set. bucketSize controls the
// granularity ranges subdivide at before falling back to an explicit id
// list; it has no wire meaning, only affects round-trip count.
func New(items []Item, bucketSize int) *Reconciler {
	if bucketSize <= 0 {
		bucketSize = 16
	}
	sorted := append([]Item(nil), items...)
	sort.Slice(sorted, func(i, j int) bool { return boundAfter(sorted[i]).less(boundAfter(sorted[j])) })
	return &Reconciler{items: sorted, bucketSize: bucketSize}
}

// Open builds the initial hex-ready frame bytes covering the full keyspace.
func (r *Reconciler) Open() ([]byte, error) {
	ranges := r.rangesFor(0, len(r.items), maxBound)
	return encodeFrame(ranges)
}

// idxRange returns the half-open index range of r.items covering [lo, hi).
func (r *Reconciler) idxRange(lo, hi bound) (int, int) {
	start := sort.Search(len(r.items), func(i int) bool { return !boundAfter(r.items[i]).less(lo) })
	end := sort.Search(len(r.items), func(i int) bool { return !boundAfter(r.items[i]).less(hi) })
	return start, end
}

// rangesFor partitions [startIdx, endIdx) of r.items, which spans up to hi,
// into fingerprint buckets of up to bucketSize items, falling back to an
// explicit id list for small trailing buckets — one level of the real
// protocol's recursive subdivide-until-small-enough-to-enumerate strategy.
func (r *Reconciler) rangesFor(startIdx, endIdx int, hi bound) []rangeMsg {
	if startIdx >= endIdx {
		return []rangeMsg{{upper: hi, mode: modeSkip}}
	}
	var out []rangeMsg
	for i := startIdx; i < endIdx; i += r.bucketSize {
		j := i + r.bucketSize
		if j > endIdx {
			j = endIdx
		}
		upper := hi
		if j < endIdx {
			upper = boundAfter(r.items[j])
		}
		if j-i <= r.bucketSize/2+1 {
			ids := make([][32]byte, j-i)
			for k := i; k < j; k++ {
				ids[k-i] = r.items[k].ID
			}
			out = append(out, rangeMsg{upper: upper, mode: modeIDList, ids: ids})
		} else {
			out = append(out, rangeMsg{upper: upper, mode: modeFingerprint, fp: fingerprint(r.items[i:j])})
		}
	}
	return out
}

// fingerprint XORs the SHA-256 of each item's id together; order-independent
// so two peers with the same set in a range always agree regardless of
// local sort stability quirks.
func fingerprint(items []Item) [32]byte {
	var fp [32]byte
	for _, it := range items {
		h := sha256.Sum256(it.ID[:])
		for i := range fp {
			fp[i] ^= h[i]
		}
	}
	return fp
}

// Result is the outcome of processing one peer frame.
type Result struct {
	Reply   []byte     // next frame to send; nil if Done
	HaveIDs [][32]byte // ids the local side has that the peer doesn't
	NeedIDs [][32]byte // ids the peer has that the local side doesn't
	Done    bool
}

// Reconcile processes one incoming frame from the peer and returns the next
// step: a reply frame, or Done with no reply when nothing is left to refine.
func (r *Reconciler) Reconcile(peerFrame []byte) (Result, error) {
	peerRanges, err := decodeFrame(peerFrame)
	if err != nil {
		return Result{}, fmt.Errorf("negentropy: decode frame: %w", err)
	}

	var res Result
	var replyRanges []rangeMsg
	lowerBound := bound{}

	for _, pr := range peerRanges {
		startIdx, endIdx := r.idxRange(lowerBound, pr.upper)
		switch pr.mode {
		case modeSkip:
			// Peer has nothing new to offer in this range; still check if we
			// have local items the peer might be missing.
			if endIdx > startIdx {
				replyRanges = append(replyRanges, rangeMsg{upper: pr.upper, mode: modeIDList, ids: idsOf(r.items[startIdx:endIdx])})
				for _, it := range r.items[startIdx:endIdx] {
					res.HaveIDs = append(res.HaveIDs, it.ID)
				}
			} else {
				replyRanges = append(replyRanges, rangeMsg{upper: pr.upper, mode: modeSkip})
			}
		case modeFingerprint:
			local := fingerprint(r.items[startIdx:endIdx])
			if local == pr.fp {
				replyRanges = append(replyRanges, rangeMsg{upper: pr.upper, mode: modeSkip})
			} else {
				// Mismatch: subdivide our side and let the peer diff at finer
				// granularity next round.
				sub := r.rangesFor(startIdx, endIdx, pr.upper)
				replyRanges = append(replyRanges, sub...)
			}
		case modeIDList:
			peerSet := make(map[[32]byte]struct{}, len(pr.ids))
			for _, id := range pr.ids {
				peerSet[id] = struct{}{}
			}
			localSet := make(map[[32]byte]struct{}, endIdx-startIdx)
			for _, it := range r.items[startIdx:endIdx] {
				localSet[it.ID] = struct{}{}
			}
			for id := range peerSet {
				if _, ok := localSet[id]; !ok {
					res.NeedIDs = append(res.NeedIDs, id)
				}
			}
			var missingFromPeer [][32]byte
			for id := range localSet {
				if _, ok := peerSet[id]; !ok {
					missingFromPeer = append(missingFromPeer, id)
					res.HaveIDs = append(res.HaveIDs, id)
				}
			}
			if len(missingFromPeer) > 0 {
				replyRanges = append(replyRanges, rangeMsg{upper: pr.upper, mode: modeIDList, ids: missingFromPeer})
			} else {
				replyRanges = append(replyRanges, rangeMsg{upper: pr.upper, mode: modeSkip})
			}
		default:
			return Result{}, fmt.Errorf("negentropy: unknown range mode %d", pr.mode)
		}
		lowerBound = pr.upper
	}

	if allSkip(replyRanges) {
		res.Done = true
		return res, nil
	}

	reply, err := encodeFrame(replyRanges)
	if err != nil {
		return Result{}, err
	}
	res.Reply = reply
	return res, nil
}

func idsOf(items []Item) [][32]byte {
	ids := make([][32]byte, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return ids
}

func allSkip(ranges []rangeMsg) bool {
	for _, r := range ranges {
		if r.mode != modeSkip {
			return false
		}
	}
	return true
}

// --- wire codec ---
//
// Frame := varint(count) ‖ range*
// range := varint(timestamp) ‖ id(32) ‖ mode(1) ‖ payload
//   mode fingerprint: fp(32)
//   mode id-list:     varint(n) ‖ id(32)*n
//   mode skip:        (no payload)

func encodeFrame(ranges []rangeMsg) ([]byte, error) {
	var buf bytes.Buffer
	putUvarint(&buf, uint64(len(ranges)))
	for _, r := range ranges {
		putVarint(&buf, r.upper.timestamp)
		buf.Write(r.upper.id[:])
		buf.WriteByte(r.mode)
		switch r.mode {
		case modeFingerprint:
			buf.Write(r.fp[:])
		case modeIDList:
			putUvarint(&buf, uint64(len(r.ids)))
			for _, id := range r.ids {
				buf.Write(id[:])
			}
		}
	}
	if buf.Len() > FrameSizeLimit {
		return nil, fmt.Errorf("negentropy: frame exceeds size limit (%d > %d)", buf.Len(), FrameSizeLimit)
	}
	return buf.Bytes(), nil
}

func decodeFrame(data []byte) ([]rangeMsg, error) {
	r := bytes.NewReader(data)
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	ranges := make([]rangeMsg, 0, count)
	for i := uint64(0); i < count; i++ {
		ts, err := binary.ReadVarint(r)
		if err != nil {
			return nil, err
		}
		var id [32]byte
		if _, err := r.Read(id[:]); err != nil {
			return nil, err
		}
		mode, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		rm := rangeMsg{upper: bound{timestamp: ts, id: id}, mode: mode}
		switch mode {
		case modeFingerprint:
			if _, err := r.Read(rm.fp[:]); err != nil {
				return nil, err
			}
		case modeIDList:
			n, err := binary.ReadUvarint(r)
			if err != nil {
				return nil, err
			}
			rm.ids = make([][32]byte, n)
			for j := uint64(0); j < n; j++ {
				if _, err := r.Read(rm.ids[j][:]); err != nil {
					return nil, err
				}
			}
		case modeSkip:
		default:
			return nil, errors.New("negentropy: unknown mode in decoded frame")
		}
		ranges = append(ranges, rm)
	}
	return ranges, nil
}

func putUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func putVarint(buf *bytes.Buffer, v int64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutVarint(tmp[:], v)
	buf.Write(tmp[:n])
}

// SupportProbeFailed reports whether a NOTICE message looks like a relay
// that doesn't understand Negentropy — a heuristic, never load-bearing for
// correctness once the protocol is broadly deployed (spec §9).
func SupportProbeFailed(notice string) bool {
	for _, needle := range []string{"unknown cmd", "negentropy", "NEG-"} {
		if bytes.Contains([]byte(notice), []byte(needle)) {
			return true
		}
	}
	return false
}
