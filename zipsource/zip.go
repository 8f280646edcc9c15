// Package zipsource locates payload.bin inside an OTA ZIP (or ZIP64)
// archive. It scans the End Of Central Directory record
// backwards from EOF, falls back to the ZIP64 locator/EOCD when the 32-bit
// fields are saturated, and walks the central directory to find a STORED
// entry named payload.bin (or ending in /payload.bin). This mirrors
// original_source/src/zip/zip_parser.c's find_eocd / read_zip64_eocd /
// find_payload_entry / get_data_offset, translated to Go's io.ReaderAt
// idiom instead of the C code's reader_t union.
package zipsource

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/otadump/payload-extract/errs"
)

const (
	eocdSignature             = 0x06054B50
	zip64EOCDSignature        = 0x06064B50
	zip64EOCDLocatorSignature = 0x07064B50
	centralDirHeaderSignature = 0x02014B50
	localFileHeaderSignature  = 0x04034B50

	maxCommentLen = 65535
	eocdFixedSize = 22
	eocdChunkSize = 8192

	payloadEntryName = "payload.bin"
)

// Entry describes the payload.bin central-directory record once located.
type Entry struct {
	Name               string
	CompressionMethod  uint16
	CompressedSize     uint64
	UncompressedSize   uint64
	LocalHeaderOffset  uint64
	DataOffset         uint64
}

// readerAt is the minimal capability zipsource needs: the same positioned
// read contract as reader.Source, kept narrow so tests can use bytes.Reader.
type readerAt interface {
	io.ReaderAt
}

func readAt(r readerAt, off int64, size int) ([]byte, error) {
	buf := make([]byte, size)
	n, err := r.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}

// FindPayload locates payload.bin within a ZIP container of the given total
// size, returning its local-file-header data offset ready to read from.
func FindPayload(r readerAt, size int64) (*Entry, error) {
	cdOffset, numEntries, err := centralDirectoryInfo(r, size)
	if err != nil {
		return nil, errs.New(errs.ZipMalformed, err)
	}

	entry, err := findPayloadEntry(r, int64(cdOffset), numEntries)
	if err != nil {
		return nil, errs.New(errs.ZipMalformed, err)
	}

	if err := resolveDataOffset(r, entry); err != nil {
		return nil, errs.New(errs.ZipMalformed, err)
	}

	return entry, nil
}

// findEOCD scans backwards from EOF in eocdChunkSize windows (overlapping by
// 3 bytes so a signature straddling a chunk boundary is still found) looking
// for the EOCD signature.
func findEOCD(r readerAt, size int64) (eocdOffset int64, numEntries16 uint16, err error) {
	maxSearch := int64(maxCommentLen + eocdFixedSize)
	if size < maxSearch {
		maxSearch = size
	}
	searchLimit := size - maxSearch
	if searchLimit < 0 {
		searchLimit = 0
	}

	currentPos := size
	for currentPos > searchLimit {
		available := currentPos - searchLimit
		readSize := int64(eocdChunkSize)
		if readSize > available {
			readSize = available
		}
		readPos := currentPos - readSize

		buf, rerr := readAt(r, readPos, int(readSize))
		if rerr != nil || len(buf) == 0 {
			break
		}

		for i := len(buf); i >= 4; i-- {
			if binary.LittleEndian.Uint32(buf[i-4:i]) == eocdSignature {
				eocdOffset = readPos + int64(i) - 4
				if i+6+2 <= len(buf) {
					numEntries16 = binary.LittleEndian.Uint16(buf[i+6 : i+8])
				} else {
					nbuf, nerr := readAt(r, eocdOffset+10, 2)
					if nerr == nil && len(nbuf) == 2 {
						numEntries16 = binary.LittleEndian.Uint16(nbuf)
					}
				}
				return eocdOffset, numEntries16, nil
			}
		}

		if readPos <= searchLimit {
			break
		}
		// Re-read the last 3 bytes of this window as the tail of the next
		// chunk, so a signature straddling the boundary is still found.
		currentPos = readPos + 3
	}

	return 0, 0, fmt.Errorf("EOCD signature not found")
}

// readZip64EOCD locates the ZIP64 EOCD locator immediately preceding the
// EOCD record and follows it to the ZIP64 EOCD itself.
func readZip64EOCD(r readerAt, eocdOffset int64) (cdOffset, numEntries uint64, err error) {
	if eocdOffset < 20 {
		return 0, 0, fmt.Errorf("not enough room for a ZIP64 EOCD locator")
	}
	buf, err := readAt(r, eocdOffset-20, 20)
	if err != nil {
		return 0, 0, err
	}

	var locatorOffset int64 = -1
	var zip64EOCDOffset uint64
	for i := len(buf); i >= 4; i-- {
		if binary.LittleEndian.Uint32(buf[i-4:i]) == zip64EOCDLocatorSignature {
			locatorOffset = int64(i) - 4
			if i+12 <= len(buf) {
				zip64EOCDOffset = binary.LittleEndian.Uint64(buf[i+4 : i+12])
			}
			break
		}
	}
	if locatorOffset < 0 {
		return 0, 0, fmt.Errorf("ZIP64 EOCD locator not found")
	}

	eocd64, err := readAt(r, int64(zip64EOCDOffset), 56)
	if err != nil || len(eocd64) < 56 {
		return 0, 0, fmt.Errorf("failed to read ZIP64 EOCD record")
	}
	if binary.LittleEndian.Uint32(eocd64[0:4]) != zip64EOCDSignature {
		return 0, 0, fmt.Errorf("bad ZIP64 EOCD signature")
	}

	numEntries = binary.LittleEndian.Uint64(eocd64[32:40])
	cdOffset = binary.LittleEndian.Uint64(eocd64[48:56])
	return cdOffset, numEntries, nil
}

func centralDirectoryInfo(r readerAt, size int64) (cdOffset, numEntries uint64, err error) {
	eocdOffset, numEntries16, err := findEOCD(r, size)
	if err != nil {
		return 0, 0, err
	}

	buf, err := readAt(r, eocdOffset+16, 4)
	if err != nil || len(buf) < 4 {
		return 0, 0, fmt.Errorf("failed to read central directory offset")
	}
	cdOffset32 := binary.LittleEndian.Uint32(buf)

	if cdOffset32 == 0xFFFFFFFF {
		return readZip64EOCD(r, eocdOffset)
	}
	return uint64(cdOffset32), uint64(numEntries16), nil
}

func findPayloadEntry(r readerAt, cdOffset int64, numEntries uint64) (*Entry, error) {
	pos := cdOffset
	for i := uint64(0); i < numEntries; i++ {
		entry, consumed, err := readCentralDirectoryEntry(r, pos)
		if err != nil {
			return nil, err
		}
		pos += consumed

		if entry.Name == payloadEntryName || hasSuffixSlashPayload(entry.Name) {
			if entry.CompressionMethod != 0 {
				return nil, fmt.Errorf("payload.bin entry %q uses compression method %d, only STORED (0) is supported", entry.Name, entry.CompressionMethod)
			}
			return entry, nil
		}
	}
	return nil, fmt.Errorf("could not find payload.bin in zip archive")
}

func hasSuffixSlashPayload(name string) bool {
	const suffix = "/" + payloadEntryName
	if len(name) < len(suffix) {
		return false
	}
	return name[len(name)-len(suffix):] == suffix
}

// readCentralDirectoryEntry reads one 46-byte central directory record (plus
// its variable-length name/extra/comment) at pos, returning the entry and
// the number of bytes consumed so the caller can advance to the next record.
func readCentralDirectoryEntry(r readerAt, pos int64) (*Entry, int64, error) {
	hdr, err := readAt(r, pos, 46)
	if err != nil || len(hdr) < 46 {
		return nil, 0, fmt.Errorf("truncated central directory record at offset %d", pos)
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != centralDirHeaderSignature {
		return nil, 0, fmt.Errorf("bad central directory signature at offset %d", pos)
	}

	compressionMethod := binary.LittleEndian.Uint16(hdr[10:12])
	compressedSize := uint64(binary.LittleEndian.Uint32(hdr[20:24]))
	uncompressedSize := uint64(binary.LittleEndian.Uint32(hdr[24:28]))
	filenameLen := binary.LittleEndian.Uint16(hdr[28:30])
	extraLen := binary.LittleEndian.Uint16(hdr[30:32])
	commentLen := binary.LittleEndian.Uint16(hdr[32:34])
	localHeaderOffset := uint64(binary.LittleEndian.Uint32(hdr[42:46]))

	nameBuf, err := readAt(r, pos+46, int(filenameLen))
	if err != nil {
		return nil, 0, err
	}
	name := string(nameBuf)

	if localHeaderOffset == 0xFFFFFFFF || compressedSize == 0xFFFFFFFF || uncompressedSize == 0xFFFFFFFF {
		extra, err := readAt(r, pos+46+int64(filenameLen), int(extraLen))
		if err == nil {
			applyZip64Extra(extra, &uncompressedSize, &compressedSize, &localHeaderOffset)
		}
	}

	consumed := int64(46) + int64(filenameLen) + int64(extraLen) + int64(commentLen)

	return &Entry{
		Name:              name,
		CompressionMethod: compressionMethod,
		CompressedSize:    compressedSize,
		UncompressedSize:  uncompressedSize,
		LocalHeaderOffset: localHeaderOffset,
	}, consumed, nil
}

// applyZip64Extra scans the extra field for the ZIP64 header id (0x0001) and
// overwrites whichever of the three fields were 32-bit sentinels, consuming
// the replacement values in order: uncompressed size, compressed size, then
// local header offset.
func applyZip64Extra(extra []byte, uncompressedSize, compressedSize, localHeaderOffset *uint64) {
	pos := 0
	for pos+4 <= len(extra) {
		headerID := binary.LittleEndian.Uint16(extra[pos : pos+2])
		dataSize := binary.LittleEndian.Uint16(extra[pos+2 : pos+4])
		sectionEnd := pos + 4 + int(dataSize)
		if sectionEnd > len(extra) {
			break
		}

		if headerID == 0x0001 {
			fieldPos := pos + 4
			if *uncompressedSize == 0xFFFFFFFF && fieldPos+8 <= sectionEnd {
				*uncompressedSize = binary.LittleEndian.Uint64(extra[fieldPos : fieldPos+8])
				fieldPos += 8
			}
			if *compressedSize == 0xFFFFFFFF && fieldPos+8 <= sectionEnd {
				*compressedSize = binary.LittleEndian.Uint64(extra[fieldPos : fieldPos+8])
				fieldPos += 8
			}
			if *localHeaderOffset == 0xFFFFFFFF && fieldPos+8 <= sectionEnd {
				*localHeaderOffset = binary.LittleEndian.Uint64(extra[fieldPos : fieldPos+8])
			}
			return
		}
		pos = sectionEnd
	}
}

// resolveDataOffset reads the local file header to compute the actual start
// of file data, re-checking compression method against the local header
// (ZIP readers must not trust the central directory's copy alone).
func resolveDataOffset(r readerAt, entry *Entry) error {
	hdr, err := readAt(r, int64(entry.LocalHeaderOffset), 30)
	if err != nil || len(hdr) < 30 {
		return fmt.Errorf("truncated local file header at offset %d", entry.LocalHeaderOffset)
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != localFileHeaderSignature {
		return fmt.Errorf("bad local file header signature at offset %d", entry.LocalHeaderOffset)
	}
	localCompression := binary.LittleEndian.Uint16(hdr[8:10])
	if localCompression != 0 {
		return fmt.Errorf("local header for %q disagrees with central directory: compression method %d", entry.Name, localCompression)
	}
	localNameLen := binary.LittleEndian.Uint16(hdr[26:28])
	localExtraLen := binary.LittleEndian.Uint16(hdr[28:30])

	entry.DataOffset = entry.LocalHeaderOffset + 30 + uint64(localNameLen) + uint64(localExtraLen)
	return nil
}
