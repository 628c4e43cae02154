package fixstore

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/crypto/blake2b"
)

// recordMagic identifies a goldfix session store file; recordVersion
// lets a future format change be detected instead of silently
// misread.
const (
	recordMagic   = "GFX1"
	recordVersion = 1
	digestSize    = 32
)

// entry is one persisted (seqNum -> message) slot.
type entry struct {
	raw     []byte
	version uint64
}

// encodeRecord serializes the self-describing structured record spec.md
// §6 describes: a small header, nextSeq, versionHigh, the entry map,
// and a trailing blake2b-256 digest over everything before it so
// truncation or bit-rot is detectable on read (spec.md §4.2:
// "Corruption ... fails open as Err(Store)").
func encodeRecord(nextSeq, versionHigh uint64, entries map[uint64]entry) []byte {
	var buf bytes.Buffer
	buf.WriteString(recordMagic)
	buf.WriteByte(recordVersion)
	writeUvarint(&buf, nextSeq)
	writeUvarint(&buf, versionHigh)
	writeUvarint(&buf, uint64(len(entries)))

	// Deterministic order keeps the digest (and diffs between
	// revisions, for anyone eyeballing the file) stable.
	seqNums := make([]uint64, 0, len(entries))
	for seq := range entries {
		seqNums = append(seqNums, seq)
	}
	sort.Slice(seqNums, func(i, j int) bool { return seqNums[i] < seqNums[j] })

	for _, seq := range seqNums {
		e := entries[seq]
		writeUvarint(&buf, seq)
		writeUvarint(&buf, e.version)
		writeUvarint(&buf, uint64(len(e.raw)))
		buf.Write(e.raw)
	}

	digest := blake2b.Sum256(buf.Bytes())
	buf.Write(digest[:])
	return buf.Bytes()
}

// decodeRecord is encodeRecord's inverse. It fails closed on any
// structural problem or digest mismatch.
func decodeRecord(data []byte) (nextSeq, versionHigh uint64, entries map[uint64]entry, err error) {
	if len(data) < len(recordMagic)+1+digestSize {
		return 0, 0, nil, storeErrf(nil, "store file too short to be valid")
	}
	body, wantDigest := data[:len(data)-digestSize], data[len(data)-digestSize:]
	gotDigest := blake2b.Sum256(body)
	if !bytes.Equal(gotDigest[:], wantDigest) {
		return 0, 0, nil, storeErrf(nil, "store file digest mismatch (corrupt or truncated)")
	}

	r := bytes.NewReader(body)
	magic := make([]byte, len(recordMagic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != recordMagic {
		return 0, 0, nil, storeErrf(err, "store file has an invalid magic header")
	}
	version, err := r.ReadByte()
	if err != nil || version != recordVersion {
		return 0, 0, nil, storeErrf(err, "store file has an unsupported format version")
	}
	nextSeq, err = binary.ReadUvarint(r)
	if err != nil {
		return 0, 0, nil, storeErrf(err, "store file is truncated reading nextSeq")
	}
	versionHigh, err = binary.ReadUvarint(r)
	if err != nil {
		return 0, 0, nil, storeErrf(err, "store file is truncated reading versionHigh")
	}
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, 0, nil, storeErrf(err, "store file is truncated reading entry count")
	}

	entries = make(map[uint64]entry, count)
	for i := uint64(0); i < count; i++ {
		seq, err := binary.ReadUvarint(r)
		if err != nil {
			return 0, 0, nil, storeErrf(err, "store file is truncated reading entry %d seqNum", i)
		}
		ver, err := binary.ReadUvarint(r)
		if err != nil {
			return 0, 0, nil, storeErrf(err, "store file is truncated reading entry %d version", i)
		}
		rawLen, err := binary.ReadUvarint(r)
		if err != nil {
			return 0, 0, nil, storeErrf(err, "store file is truncated reading entry %d length", i)
		}
		raw := make([]byte, rawLen)
		if _, err := io.ReadFull(r, raw); err != nil {
			return 0, 0, nil, storeErrf(err, "store file is truncated reading entry %d payload", i)
		}
		entries[seq] = entry{raw: raw, version: ver}
	}
	return nextSeq, versionHigh, entries, nil
}

// writeFileAtomic implements the write-temp-fsync-rename discipline
// spec.md §4.2 and §6 both require: readers never observe a partial
// file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return storeErrf(err, "creating temp store file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return storeErrf(err, "writing temp store file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return storeErrf(err, "fsyncing temp store file")
	}
	if err := tmp.Close(); err != nil {
		return storeErrf(err, "closing temp store file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return storeErrf(err, "renaming temp store file into place")
	}
	return nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}
