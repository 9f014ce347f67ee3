// Package journal implements append-only “journal” files, used by odb to
// keep a history of committed change sets.
//
// Features:
//
//  1. Suitable for records of all sizes. Multiple records can be combined
//     into a single commit with minimal overhead.
//
//  2. Crash-resistant (if followed by an fsync). Each commit carries an xxhash
//     checksum of the segment so far, and readers stop at the first corrupted
//     or uncommitted record.
//
//  3. Automatically rotates the files when they reach a certain size.
//
//  4. Manages segment file naming.
//
// File format:
//
//   - file = segmentHeader (record+ commit)*
//   - segmentHeader = magic:64 version:8 pad:8 flags:16 pad:32 segmentNumber:32 timestamp:32 prevChecksum:64 journalInvariant:256 reserved:448 checksum:64
//   - record = size<<1:uvarint timestampDelta:uvarint bytes*
//   - commit = checksum:64 with the lowest bit set
package journal

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

var (
	ErrIncompatible       = fmt.Errorf("incompatible journal")
	ErrUnsupportedVersion = fmt.Errorf("unsupported journal version")
	ErrNotWritable        = fmt.Errorf("journal is not open for writing")
	errCorruptedFile      = fmt.Errorf("corrupted journal segment file")
)

type Options struct {
	FileName         string // e.g. "mydb-*.wal"
	MaxFileSize      int64  // new segment after this size
	DebugName        string
	Now              func() time.Time
	JournalInvariant [32]byte
	NoSync           bool

	Logger  *slog.Logger
	Verbose bool
}

const DefaultMaxFileSize = 4 * 1024 * 1024

const (
	magic          = 0x54414c4e52554f4a // "JOURNLAT" as little-endian uint64
	version0 uint8 = 0
)

const segmentHeaderSize = 16 * 8

type segmentHeader struct {
	Magic            uint64
	Version          uint8
	_                uint8
	Flags            uint16
	_                uint32
	SegmentOrdinal   uint32
	Timestamp        uint32
	PrevChecksum     uint64
	JournalInvariant [32]byte
	_                [7]uint64
	Checksum         uint64
}

const (
	recordFlagCommit byte = 1
	recordFlagShift       = 1
	timestampFmt          = "20060102T150405"
	commitSize            = 8
)

// Record is a single committed journal record.
type Record struct {
	Segment   uint32
	ID        uint64
	Timestamp time.Time
	Data      []byte
}

// Journal represents a directory of segment files.
type Journal struct {
	maxFileSize      int64
	fileNamePrefix   string
	fileNameSuffix   string
	debugName        string
	dir              string
	now              func() time.Time
	logger           *slog.Logger
	verbose          bool
	noSync           bool
	journalInvariant [32]byte

	writeLock sync.Mutex
	writable  bool
	writeErr  error
	writeSeg  uint32
	writeRec  uint64
	segWriter *segmentWriter
}

func New(dir string, o Options) *Journal {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.FileName == "" {
		o.FileName = "*"
	}
	prefix, suffix, _ := strings.Cut(o.FileName, "*")
	if o.DebugName == "" {
		o.DebugName = "journal"
	}
	if o.MaxFileSize == 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Journal{
		maxFileSize:      o.MaxFileSize,
		fileNamePrefix:   prefix,
		fileNameSuffix:   suffix,
		debugName:        o.DebugName,
		dir:              dir,
		now:              o.Now,
		verbose:          o.Verbose,
		noSync:           o.NoSync,
		journalInvariant: o.JournalInvariant,
		logger:           o.Logger,
	}
}

func (j *Journal) Now() uint32 {
	v := j.now().Unix()
	if v < 0 {
		panic("time travel disallowed")
	}
	u := uint64(v)
	if u&0xFFFF_FFFF_0000_0000 != 0 {
		panic("time travel disallowed both ways")
	}
	return uint32(u)
}

func (j *Journal) String() string {
	return j.debugName
}

// StartWriting prepares the journal for appending. The last segment is
// scanned to continue segment and record numbering; an uncommitted or
// corrupted tail is trimmed off. New records always go into a new segment.
func (j *Journal) StartWriting() error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	if j.writable {
		return nil
	}
	if err := os.MkdirAll(j.dir, 0o777); err != nil {
		return err
	}

	for {
		names, err := j.segmentNames()
		if err != nil {
			return err
		}
		if len(names) == 0 {
			break
		}
		lastName := names[len(names)-1]
		seq, _, firstID, err := j.parseName(lastName)
		if err != nil {
			return err
		}

		data, err := os.ReadFile(filepath.Join(j.dir, lastName))
		if err != nil {
			return err
		}
		recs, validLen, err := j.scanSegment(data, seq, firstID)
		if err == errCorruptedFile {
			j.logger.LogAttrs(context.Background(), slog.LevelWarn, "journal: deleting corrupted file", slog.String("jrnl", j.debugName), slog.String("file", lastName), slog.Int("size", len(data)))
			if err := os.Remove(filepath.Join(j.dir, lastName)); err != nil {
				return fmt.Errorf("journal: failed to delete corrupted file: %w", err)
			}
			continue
		} else if err != nil {
			return err
		}
		if validLen < len(data) {
			j.logger.LogAttrs(context.Background(), slog.LevelWarn, "journal: trimming uncommitted tail", slog.String("jrnl", j.debugName), slog.String("file", lastName), slog.Int("size", len(data)), slog.Int("valid", validLen))
			if err := os.Truncate(filepath.Join(j.dir, lastName), int64(validLen)); err != nil {
				return err
			}
		}
		j.writeSeg = seq
		j.writeRec = firstID - 1 + uint64(len(recs))
		break
	}
	j.writable = true
	j.writeErr = nil
	return nil
}

func (j *Journal) FinishWriting() error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	var err error
	if j.segWriter != nil && j.segWriter.uncommitted {
		err = j.segWriter.commit()
	}
	j.finishWriting_locked()
	return err
}

func (j *Journal) finishWriting_locked() {
	j.writable = false
	if j.segWriter != nil {
		j.segWriter.close()
		j.segWriter = nil
	}
}

func (j *Journal) fail(err error) error {
	if err == nil {
		return nil
	}

	j.logger.LogAttrs(context.Background(), slog.LevelError, "journal: failed", slog.String("jrnl", j.debugName), slog.Any("err", err))

	j.finishWriting_locked()

	if j.writeErr == nil {
		j.writeErr = err
	}
	return err
}

func (j *Journal) openFile(name string, writable bool) (*os.File, error) {
	fn := filepath.Join(j.dir, name)
	if writable {
		return os.OpenFile(fn, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
	} else {
		return os.Open(fn)
	}
}

func (j *Journal) segmentNames() ([]string, error) {
	ents, err := os.ReadDir(j.dir)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var names []string
	for _, ent := range ents {
		if !ent.Type().IsRegular() {
			continue
		}
		name := ent.Name()
		if !strings.HasPrefix(name, j.fileNamePrefix) || !strings.HasSuffix(name, j.fileNameSuffix) {
			continue
		}
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (j *Journal) parseName(name string) (seq, ts uint32, id uint64, err error) {
	base := strings.TrimSuffix(strings.TrimPrefix(name, j.fileNamePrefix), j.fileNameSuffix)
	return parseSegmentName(base)
}

// WriteRecord appends a record. It becomes durable and visible to readers
// on the next Commit.
func (j *Journal) WriteRecord(timestamp uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	j.writeLock.Lock()
	defer j.writeLock.Unlock()

	if j.writeErr != nil {
		return j.writeErr
	}
	if !j.writable {
		return ErrNotWritable
	}

	if timestamp == 0 {
		timestamp = j.Now()
	}

	j.writeRec++

	if j.segWriter == nil {
		j.writeSeg++

		sw, err := startSegment(j, j.writeSeg, timestamp, j.writeRec)
		if err != nil {
			return j.fail(err)
		}
		j.segWriter = sw
		if j.verbose {
			j.logger.LogAttrs(context.Background(), slog.LevelDebug, "journal: new segment", slog.String("jrnl", j.debugName), slog.Uint64("seg", uint64(j.writeSeg)), slog.Uint64("rec", j.writeRec))
		}
	}

	return j.fail(j.segWriter.writeRecord(timestamp, data))
}

// Commit seals the records written so far, and rotates the segment once it
// grows past MaxFileSize.
func (j *Journal) Commit() error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()

	if j.segWriter == nil {
		return nil
	}
	if err := j.segWriter.commit(); err != nil {
		return j.fail(err)
	}
	if !j.noSync {
		if err := j.segWriter.f.Sync(); err != nil {
			return j.fail(err)
		}
	}
	if j.segWriter.size >= j.maxFileSize {
		j.segWriter.close()
		j.segWriter = nil
	}
	return nil
}

// Records reads all committed records from all segments, in order.
func (j *Journal) Records() ([]Record, error) {
	names, err := j.segmentNames()
	if err != nil {
		return nil, err
	}
	var result []Record
	for _, name := range names {
		seq, _, firstID, err := j.parseName(name)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(filepath.Join(j.dir, name))
		if err != nil {
			return nil, err
		}
		recs, _, err := j.scanSegment(data, seq, firstID)
		if err == errCorruptedFile {
			j.logger.LogAttrs(context.Background(), slog.LevelWarn, "journal: skipping corrupted file", slog.String("jrnl", j.debugName), slog.String("file", name))
			continue
		} else if err != nil {
			return nil, err
		}
		result = append(result, recs...)
	}
	return result, nil
}

func (j *Journal) readHeader(buf []byte, h *segmentHeader, expectedSeq uint32) error {
	if len(buf) < segmentHeaderSize {
		return errCorruptedFile
	}
	n, err := binary.Decode(buf[:segmentHeaderSize], binary.LittleEndian, h)
	if err != nil {
		panic(err)
	}
	if n != segmentHeaderSize {
		panic("internal size mismatch")
	}

	checksum := xxhash.Sum64(buf[:segmentHeaderSize-8])
	if checksum != h.Checksum || h.Magic != magic {
		return errCorruptedFile
	}
	if expectedSeq != h.SegmentOrdinal {
		return errCorruptedFile
	}
	if h.Version > version0 {
		return ErrUnsupportedVersion
	}
	if h.JournalInvariant != j.journalInvariant {
		return ErrIncompatible
	}
	return nil
}

// scanSegment returns committed records and the length of the valid prefix.
func (j *Journal) scanSegment(data []byte, seq uint32, firstID uint64) ([]Record, int, error) {
	var h segmentHeader
	if err := j.readHeader(data, &h, seq); err != nil {
		return nil, 0, err
	}

	var hash xxhash.Digest
	hash.Reset()
	hash.Write(data[:segmentHeaderSize])

	var committed, pending []Record
	validLen := segmentHeaderSize
	ts := h.Timestamp
	id := firstID
	off := segmentHeaderSize
	for off < len(data) {
		if data[off]&recordFlagCommit != 0 {
			if off+commitSize > len(data) {
				break
			}
			var want [commitSize]byte
			binary.LittleEndian.PutUint64(want[:], hash.Sum64())
			want[0] |= recordFlagCommit
			if !bytes.Equal(want[:], data[off:off+commitSize]) {
				break
			}
			hash.Write(data[off : off+commitSize])
			off += commitSize
			committed = append(committed, pending...)
			pending = pending[:0]
			validLen = off
			continue
		}

		start := off
		sizeAndFlags, n := binary.Uvarint(data[off:])
		if n <= 0 {
			break
		}
		off += n
		tsDelta, n := binary.Uvarint(data[off:])
		if n <= 0 || tsDelta > 0xFFFF_FFFF {
			break
		}
		off += n
		size := sizeAndFlags >> recordFlagShift
		if size > uint64(len(data)-off) {
			break
		}
		rec := data[off : off+int(size)]
		off += int(size)
		hash.Write(data[start:off])

		ts += uint32(tsDelta)
		pending = append(pending, Record{
			Segment:   seq,
			ID:        id,
			Timestamp: time.Unix(int64(ts), 0).UTC(),
			Data:      slices.Clone(rec),
		})
		id++
	}
	return committed, validLen, nil
}

type segmentWriter struct {
	f           *os.File
	seg         uint32
	ts          uint32
	size        int64
	hash        xxhash.Digest
	uncommitted bool
}

func startSegment(j *Journal, seg, ts uint32, rec uint64) (*segmentWriter, error) {
	name := formatSegmentName(j.fileNamePrefix, j.fileNameSuffix, seg, ts, rec)

	f, err := j.openFile(name, true)
	if err != nil {
		return nil, err
	}

	var ok bool
	defer closeAndDeleteUnlessOK(f, &ok)

	sw := &segmentWriter{
		f:    f,
		seg:  seg,
		ts:   ts,
		size: segmentHeaderSize,
	}
	sw.hash.Reset()

	var hbuf [segmentHeaderSize]byte
	fillSegmentHeader(hbuf[:], j, seg, ts, &sw.hash)

	_, err = f.Write(hbuf[:])
	if err != nil {
		return nil, err
	}

	ok = true
	return sw, nil
}

const maxRecHeaderLen = binary.MaxVarintLen64 + binary.MaxVarintLen32

func (sw *segmentWriter) writeRecord(ts uint32, data []byte) error {
	var tsDelta uint32
	if ts > sw.ts {
		tsDelta = ts - sw.ts
		sw.ts = ts
	}
	sw.uncommitted = true

	var hbuf [maxRecHeaderLen]byte
	h := appendRecordHeader(hbuf[:0], len(data), tsDelta)

	sw.hash.Write(h)
	sw.hash.Write(data)
	buf := make([]byte, 0, len(h)+len(data))
	buf = append(append(buf, h...), data...)
	n, err := sw.f.Write(buf)
	sw.size += int64(n)
	return err
}

func (sw *segmentWriter) commit() error {
	if !sw.uncommitted {
		return nil
	}
	sw.uncommitted = false

	var buf [commitSize]byte
	binary.LittleEndian.PutUint64(buf[:], sw.hash.Sum64())
	buf[0] |= recordFlagCommit

	sw.hash.Write(buf[:])
	n, err := sw.f.Write(buf[:])
	sw.size += int64(n)
	return err
}

func (sw *segmentWriter) close() {
	if sw.f == nil {
		return
	}
	sw.f.Close()
	sw.f = nil
}

func closeAndDeleteUnlessOK(f *os.File, ok *bool) {
	if *ok {
		return
	}
	f.Close()
	os.Remove(f.Name())
}

func fillSegmentHeader(buf []byte, j *Journal, seg, ts uint32, hash *xxhash.Digest) {
	h := segmentHeader{
		Magic:            magic,
		Version:          version0,
		SegmentOrdinal:   seg,
		Timestamp:        ts,
		JournalInvariant: j.journalInvariant,
	}

	n, err := binary.Encode(buf[:], binary.LittleEndian, h)
	if err != nil {
		panic(err)
	}
	if n != len(buf) {
		panic("internal size mismatch")
	}

	checksum := xxhash.Sum64(buf[:segmentHeaderSize-8])
	binary.LittleEndian.PutUint64(buf[segmentHeaderSize-8:], checksum)
	hash.Write(buf[:segmentHeaderSize])
}

func appendRecordHeader(b []byte, size int, tsDelta uint32) []byte {
	b = binary.AppendUvarint(b, uint64(size)<<recordFlagShift)
	b = binary.AppendUvarint(b, uint64(tsDelta))
	return b
}

func formatSegmentName(prefix, suffix string, seq, ts uint32, id uint64) string {
	t := time.Unix(int64(uint64(ts)), 0).UTC()
	return fmt.Sprintf("%s%012d-%s-%016x%s", prefix, seq, t.Format(timestampFmt), id, suffix)
}

func parseSegmentName(name string) (seq, ts uint32, id uint64, err error) {
	seqStr, rem, ok := strings.Cut(name, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	v, err := strconv.ParseUint(seqStr, 10, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q (invalid segment number)", name)
	}
	seq = uint32(v)

	tsStr, idStr, ok := strings.Cut(rem, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	t, err := time.ParseInLocation(timestampFmt, tsStr, time.UTC)
	if err != nil {
		return seq, 0, 0, fmt.Errorf("invalid segment file name %q (invalid timestamp)", name)
	}
	ts = uint32(t.Unix())

	id, err = strconv.ParseUint(idStr, 16, 64)
	if err != nil {
		return seq, 0, 0, fmt.Errorf("invalid segment file name %q (invalid record identifier)", name)
	}
	return
}
