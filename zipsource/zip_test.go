package zipsource

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// buildZip assembles a minimal ZIP containing a single STORED entry named
// name with the given content, mirroring the byte layout zip_parser.c walks.
func buildZip(name string, content []byte) []byte {
	var buf bytes.Buffer

	localOffset := buf.Len()

	// Local file header.
	binary.Write(&buf, binary.LittleEndian, uint32(localFileHeaderSignature))
	binary.Write(&buf, binary.LittleEndian, uint16(20)) // version needed
	binary.Write(&buf, binary.LittleEndian, uint16(0))  // flags
	binary.Write(&buf, binary.LittleEndian, uint16(0))  // compression: STORED
	binary.Write(&buf, binary.LittleEndian, uint16(0))  // mod time
	binary.Write(&buf, binary.LittleEndian, uint16(0))  // mod date
	binary.Write(&buf, binary.LittleEndian, uint32(0))  // crc32
	binary.Write(&buf, binary.LittleEndian, uint32(len(content)))
	binary.Write(&buf, binary.LittleEndian, uint32(len(content)))
	binary.Write(&buf, binary.LittleEndian, uint16(len(name)))
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // extra len
	buf.WriteString(name)
	buf.Write(content)

	cdOffset := buf.Len()

	// Central directory header.
	binary.Write(&buf, binary.LittleEndian, uint32(centralDirHeaderSignature))
	binary.Write(&buf, binary.LittleEndian, uint16(20)) // version made by
	binary.Write(&buf, binary.LittleEndian, uint16(20)) // version needed
	binary.Write(&buf, binary.LittleEndian, uint16(0))  // flags
	binary.Write(&buf, binary.LittleEndian, uint16(0))  // compression
	binary.Write(&buf, binary.LittleEndian, uint16(0))  // mod time
	binary.Write(&buf, binary.LittleEndian, uint16(0))  // mod date
	binary.Write(&buf, binary.LittleEndian, uint32(0))  // crc32
	binary.Write(&buf, binary.LittleEndian, uint32(len(content)))
	binary.Write(&buf, binary.LittleEndian, uint32(len(content)))
	binary.Write(&buf, binary.LittleEndian, uint16(len(name)))
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // extra len
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // comment len
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // disk number start
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // internal attrs
	binary.Write(&buf, binary.LittleEndian, uint32(0)) // external attrs
	binary.Write(&buf, binary.LittleEndian, uint32(localOffset))
	buf.WriteString(name)

	cdSize := buf.Len() - cdOffset

	// EOCD.
	binary.Write(&buf, binary.LittleEndian, uint32(eocdSignature))
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // disk number
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // disk with CD
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // entries this disk
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // entries total
	binary.Write(&buf, binary.LittleEndian, uint32(cdSize))
	binary.Write(&buf, binary.LittleEndian, uint32(cdOffset))
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // comment len

	return buf.Bytes()
}

func TestFindPayloadLocatesEntry(t *testing.T) {
	content := bytes.Repeat([]byte{0xAB}, 128)
	data := buildZip("payload.bin", content)

	entry, err := FindPayload(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("FindPayload: %v", err)
	}
	if entry.Name != "payload.bin" {
		t.Fatalf("Name = %q, want payload.bin", entry.Name)
	}
	if entry.UncompressedSize != uint64(len(content)) {
		t.Fatalf("UncompressedSize = %d, want %d", entry.UncompressedSize, len(content))
	}

	got := make([]byte, len(content))
	if _, err := bytes.NewReader(data).ReadAt(got, int64(entry.DataOffset)); err != nil {
		t.Fatalf("ReadAt data: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("payload bytes mismatch at computed data offset")
	}
}

func TestFindPayloadNestedPath(t *testing.T) {
	content := []byte("hello payload")
	data := buildZip("META-INF/com/android/payload.bin", content)

	entry, err := FindPayload(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("FindPayload: %v", err)
	}
	if entry.Name != "META-INF/com/android/payload.bin" {
		t.Fatalf("Name = %q", entry.Name)
	}
}

func TestFindPayloadMissing(t *testing.T) {
	data := buildZip("metadata", []byte("irrelevant"))
	if _, err := FindPayload(bytes.NewReader(data), int64(len(data))); err == nil {
		t.Fatal("expected error when payload.bin is absent")
	}
}

// TestFindPayloadAcrossChunkBoundary positions the EOCD signature so it sits
// just outside the first 8 KiB window findEOCD reads from EOF, exercising
// the 3-byte overlap into the next chunk.
func TestFindPayloadAcrossChunkBoundary(t *testing.T) {
	content := []byte("straddling the chunk boundary")
	data := buildZip("payload.bin", content)

	eocdStart := len(data) - eocdFixedSize
	const commentLen = eocdChunkSize + 4 - eocdFixedSize
	binary.LittleEndian.PutUint16(data[eocdStart+20:eocdStart+22], uint16(commentLen))
	data = append(data, bytes.Repeat([]byte{'A'}, commentLen)...)

	entry, err := FindPayload(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("FindPayload: %v", err)
	}
	if entry.Name != "payload.bin" {
		t.Fatalf("Name = %q, want payload.bin", entry.Name)
	}
}

// buildZip64 assembles a single-entry ZIP whose EOCD points at a ZIP64 EOCD
// locator/record pair instead of carrying the central directory offset
// inline, mirroring an archive built with a ZIP64-aware writer.
func buildZip64(name string, content []byte) []byte {
	var buf bytes.Buffer

	localOffset := buf.Len()
	binary.Write(&buf, binary.LittleEndian, uint32(localFileHeaderSignature))
	binary.Write(&buf, binary.LittleEndian, uint16(45)) // version needed
	binary.Write(&buf, binary.LittleEndian, uint16(0))  // flags
	binary.Write(&buf, binary.LittleEndian, uint16(0))  // compression: STORED
	binary.Write(&buf, binary.LittleEndian, uint16(0))  // mod time
	binary.Write(&buf, binary.LittleEndian, uint16(0))  // mod date
	binary.Write(&buf, binary.LittleEndian, uint32(0))  // crc32
	binary.Write(&buf, binary.LittleEndian, uint32(len(content)))
	binary.Write(&buf, binary.LittleEndian, uint32(len(content)))
	binary.Write(&buf, binary.LittleEndian, uint16(len(name)))
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // extra len
	buf.WriteString(name)
	buf.Write(content)

	cdOffset := buf.Len()

	binary.Write(&buf, binary.LittleEndian, uint32(centralDirHeaderSignature))
	binary.Write(&buf, binary.LittleEndian, uint16(45)) // version made by
	binary.Write(&buf, binary.LittleEndian, uint16(45)) // version needed
	binary.Write(&buf, binary.LittleEndian, uint16(0))  // flags
	binary.Write(&buf, binary.LittleEndian, uint16(0))  // compression
	binary.Write(&buf, binary.LittleEndian, uint16(0))  // mod time
	binary.Write(&buf, binary.LittleEndian, uint16(0))  // mod date
	binary.Write(&buf, binary.LittleEndian, uint32(0))  // crc32
	binary.Write(&buf, binary.LittleEndian, uint32(len(content)))
	binary.Write(&buf, binary.LittleEndian, uint32(len(content)))
	binary.Write(&buf, binary.LittleEndian, uint16(len(name)))
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // extra len
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // comment len
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // disk number start
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // internal attrs
	binary.Write(&buf, binary.LittleEndian, uint32(0)) // external attrs
	binary.Write(&buf, binary.LittleEndian, uint32(localOffset))
	buf.WriteString(name)

	cdSize := buf.Len() - cdOffset

	zip64EOCDOffset := buf.Len()
	binary.Write(&buf, binary.LittleEndian, uint32(zip64EOCDSignature))
	binary.Write(&buf, binary.LittleEndian, uint64(44)) // remaining record size
	binary.Write(&buf, binary.LittleEndian, uint16(45)) // version made by
	binary.Write(&buf, binary.LittleEndian, uint16(45)) // version needed
	binary.Write(&buf, binary.LittleEndian, uint32(0))  // disk number
	binary.Write(&buf, binary.LittleEndian, uint32(0))  // disk with cd
	binary.Write(&buf, binary.LittleEndian, uint64(1))  // entries this disk
	binary.Write(&buf, binary.LittleEndian, uint64(1))  // entries total
	binary.Write(&buf, binary.LittleEndian, uint64(cdSize))
	binary.Write(&buf, binary.LittleEndian, uint64(cdOffset))

	binary.Write(&buf, binary.LittleEndian, uint32(zip64EOCDLocatorSignature))
	binary.Write(&buf, binary.LittleEndian, uint32(0)) // disk with zip64 eocd
	binary.Write(&buf, binary.LittleEndian, uint64(zip64EOCDOffset))
	binary.Write(&buf, binary.LittleEndian, uint32(1)) // total disks

	binary.Write(&buf, binary.LittleEndian, uint32(eocdSignature))
	binary.Write(&buf, binary.LittleEndian, uint16(0xFFFF))     // disk number (sentinel, unused)
	binary.Write(&buf, binary.LittleEndian, uint16(0xFFFF))     // disk with cd (sentinel, unused)
	binary.Write(&buf, binary.LittleEndian, uint16(0xFFFF))     // entries this disk (ignored on zip64 path)
	binary.Write(&buf, binary.LittleEndian, uint16(0xFFFF))     // entries total (ignored on zip64 path)
	binary.Write(&buf, binary.LittleEndian, uint32(0xFFFFFFFF)) // cd size sentinel
	binary.Write(&buf, binary.LittleEndian, uint32(0xFFFFFFFF)) // cd offset sentinel, triggers zip64 fallback
	binary.Write(&buf, binary.LittleEndian, uint16(0))          // comment len

	return buf.Bytes()
}

func TestFindPayloadZip64Fallback(t *testing.T) {
	content := bytes.Repeat([]byte{0xCD}, 64)
	data := buildZip64("payload.bin", content)

	entry, err := FindPayload(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("FindPayload: %v", err)
	}
	if entry.Name != "payload.bin" {
		t.Fatalf("Name = %q, want payload.bin", entry.Name)
	}
	if entry.UncompressedSize != uint64(len(content)) {
		t.Fatalf("UncompressedSize = %d, want %d", entry.UncompressedSize, len(content))
	}

	got := make([]byte, len(content))
	if _, err := bytes.NewReader(data).ReadAt(got, int64(entry.DataOffset)); err != nil {
		t.Fatalf("ReadAt data: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("payload bytes mismatch at computed data offset")
	}
}

func TestFindPayloadRejectsCompressed(t *testing.T) {
	content := []byte("deflated content")
	data := buildZip("payload.bin", content)
	// Flip the compression method fields (local + central header) to DEFLATE (8).
	binary.LittleEndian.PutUint16(data[8:10], 8)
	cdOffset := bytes.Index(data, []byte{0x50, 0x4B, 0x01, 0x02})
	binary.LittleEndian.PutUint16(data[cdOffset+10:cdOffset+12], 8)

	if _, err := FindPayload(bytes.NewReader(data), int64(len(data))); err == nil {
		t.Fatal("expected error for non-STORED payload.bin")
	}
}
