// Package payload parses the CrAU payload.bin format: the fixed header,
// the DeltaArchiveManifest protobuf, and the location of each operation's
// compressed data blob. This generalizes payload_extract's badPayload /
// PayloadCommonHdr / doExtractBootFromPayload header-reading logic into a
// reusable parser that doesn't assume a single hard-coded partition.
package payload

import (
	"encoding/binary"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/otadump/payload-extract/errs"
	"github.com/otadump/payload-extract/internal/update_metadata"
	"github.com/otadump/payload-extract/reader"
	"github.com/otadump/payload-extract/zipsource"
)

// Magic is the 4-byte signature every CrAU payload starts with.
const Magic = "CrAU"

const (
	supportedVersion = 2
	headerSize       = 24 // magic(4) + version(8) + manifest_len(8) + sig_len(4)
)

// Header is the fixed-size CrAU preamble.
type Header struct {
	Magic          [4]byte
	Version        uint64
	ManifestLen    uint64
	ManifestSigLen uint32
}

// Payload is a fully parsed payload.bin: its manifest plus the absolute
// offset (within the underlying Source) at which operation data begins.
type Payload struct {
	Source     reader.Source
	BaseOffset int64 // offset of the CrAU magic within Source
	Header     Header
	Manifest   *update_metadata.DeltaArchiveManifest
	DataOffset int64 // absolute offset where operation blobs start
}

// Open detects whether src holds a raw CrAU stream or a ZIP container with
// payload.bin inside, locates the CrAU header either way, and decodes the
// manifest.
func Open(src reader.Source) (*Payload, error) {
	magicBuf := make([]byte, 4)
	if _, err := src.ReadAt(magicBuf, 0); err != nil {
		return nil, errs.New(errs.SourceOpenFailed, fmt.Errorf("reading leading bytes: %w", err))
	}

	baseOffset := int64(0)
	if string(magicBuf) != Magic {
		entry, err := zipsource.FindPayload(src, src.Size())
		if err != nil {
			return nil, err
		}
		baseOffset = int64(entry.DataOffset)

		if _, err := src.ReadAt(magicBuf, baseOffset); err != nil {
			return nil, errs.New(errs.PayloadUnknownFormat, fmt.Errorf("reading payload.bin header: %w", err))
		}
		if string(magicBuf) != Magic {
			return nil, errs.New(errs.PayloadUnknownFormat, fmt.Errorf("payload.bin inside zip does not start with CrAU magic"))
		}
	}

	return parseAt(src, baseOffset)
}

func parseAt(src reader.Source, baseOffset int64) (*Payload, error) {
	hdrBuf := make([]byte, headerSize)
	if _, err := src.ReadAt(hdrBuf, baseOffset); err != nil {
		return nil, errs.New(errs.PayloadUnknownFormat, fmt.Errorf("reading CrAU header: %w", err))
	}

	var hdr Header
	copy(hdr.Magic[:], hdrBuf[0:4])
	hdr.Version = binary.BigEndian.Uint64(hdrBuf[4:12])
	hdr.ManifestLen = binary.BigEndian.Uint64(hdrBuf[12:20])
	hdr.ManifestSigLen = binary.BigEndian.Uint32(hdrBuf[20:24])

	if string(hdr.Magic[:]) != Magic {
		return nil, errs.New(errs.PayloadUnknownFormat, fmt.Errorf("invalid magic %q", hdr.Magic))
	}
	if hdr.Version != supportedVersion {
		return nil, errs.New(errs.PayloadUnknownFormat, fmt.Errorf("unsupported payload version %d", hdr.Version))
	}
	if hdr.ManifestLen == 0 {
		return nil, errs.New(errs.ManifestCorrupt, fmt.Errorf("manifest length is zero"))
	}
	if hdr.ManifestSigLen == 0 {
		return nil, errs.New(errs.ManifestCorrupt, fmt.Errorf("manifest signature length is zero"))
	}

	manifestBuf := make([]byte, hdr.ManifestLen)
	manifestOffset := baseOffset + headerSize
	if _, err := src.ReadAt(manifestBuf, manifestOffset); err != nil {
		return nil, errs.New(errs.ManifestCorrupt, fmt.Errorf("reading manifest: %w", err))
	}

	manifest, err := update_metadata.UnmarshalManifest(manifestBuf)
	if err != nil {
		return nil, errs.New(errs.ManifestCorrupt, err)
	}
	if manifest.GetMinorVersion() != 0 {
		return nil, errs.New(errs.PayloadUnknownFormat,
			fmt.Errorf("delta payloads (minor_version=%d) are not supported, only full payloads", manifest.GetMinorVersion()))
	}

	dataOffset := manifestOffset + int64(hdr.ManifestLen) + int64(hdr.ManifestSigLen)

	return &Payload{
		Source:     src,
		BaseOffset: baseOffset,
		Header:     hdr,
		Manifest:   manifest,
		DataOffset: dataOffset,
	}, nil
}

// AbsoluteOffset returns the absolute offset within Source of op's data
// blob, as read by the extraction scheduler.
func (p *Payload) AbsoluteOffset(op *update_metadata.InstallOperation) int64 {
	return p.DataOffset + int64(op.DataOffset)
}

// PartitionSummary is the JSON shape for one partition in list mode.
type PartitionSummary struct {
	Name           string         `json:"name"`
	SizeBytes      uint64         `json:"size_bytes"`
	SizeReadable   string         `json:"size_readable"`
	Operations     uint64         `json:"operations"`
	OperationTypes map[string]int `json:"operation_types,omitempty"`
}

// ListSummary is the top-level JSON document list mode prints.
type ListSummary struct {
	Partitions         []PartitionSummary `json:"partitions"`
	TotalPartitions    int                `json:"total_partitions"`
	TotalOperations    uint64             `json:"total_operations"`
	TotalSizeBytes     uint64             `json:"total_size_bytes"`
	TotalSizeReadable  string             `json:"total_size_readable"`
	SecurityPatchLevel string             `json:"security_patch_level,omitempty"`
	BlockSize          uint32             `json:"block_size"`
}

// partitionSize returns new_partition_info's declared size, falling back to
// the highest block reached by any destination extent (scaled by the
// manifest's block size) when the manifest omits it.
func partitionSize(part *update_metadata.PartitionUpdate, blockSize uint32) uint64 {
	if size := part.GetNewPartitionInfo().GetSize(); size != 0 {
		return size
	}

	var maxBlock uint64
	for _, op := range part.GetOperations() {
		for _, ext := range op.GetDstExtents() {
			end := ext.GetStartBlock() + ext.GetNumBlocks()
			if end > maxBlock {
				maxBlock = end
			}
		}
	}
	return maxBlock * uint64(blockSize)
}

// Summarize builds the list-mode document without touching any operation
// data, only iterating the already-decoded manifest.
func (p *Payload) Summarize() ListSummary {
	blockSize := p.Manifest.GetBlockSize()
	summary := ListSummary{
		SecurityPatchLevel: p.Manifest.SecurityPatchLevel,
		BlockSize:          blockSize,
	}

	var totalSize, totalOps uint64
	for _, part := range p.Manifest.GetPartitions() {
		size := partitionSize(part, blockSize)
		totalSize += size

		ops := part.GetOperations()
		totalOps += uint64(len(ops))

		types := make(map[string]int)
		for _, op := range ops {
			types[op.GetType().String()]++
		}

		summary.Partitions = append(summary.Partitions, PartitionSummary{
			Name:           part.GetPartitionName(),
			SizeBytes:      size,
			SizeReadable:   humanize.Bytes(size),
			Operations:     uint64(len(ops)),
			OperationTypes: types,
		})
	}

	summary.TotalPartitions = len(summary.Partitions)
	summary.TotalOperations = totalOps
	summary.TotalSizeBytes = totalSize
	summary.TotalSizeReadable = humanize.Bytes(totalSize)
	return summary
}

// FindPartition returns the named partition, or nil if it isn't present.
func (p *Payload) FindPartition(name string) *update_metadata.PartitionUpdate {
	for _, part := range p.Manifest.GetPartitions() {
		if part.GetPartitionName() == name {
			return part
		}
	}
	return nil
}
