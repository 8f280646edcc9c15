// Package update_metadata decodes the subset of the Chrome OS / Android
// update_engine "update_metadata.proto" schema that the payload dumper needs:
// DeltaArchiveManifest, PartitionUpdate, InstallOperation, Extent and
// PartitionInfo.
//
// There is no protoc available in this build environment, so rather than
// hand-author protoc-gen-go's reflection boilerplate (file descriptors,
// message info tables) we decode the wire format directly using
// google.golang.org/protobuf/encoding/protowire, the same module's low-level
// building block for exactly this kind of manual decode. Field numbers below
// match the upstream update_engine schema.
package update_metadata

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// InstallOperation_Type mirrors InstallOperation.Type from update_metadata.proto.
type InstallOperation_Type int32

const (
	InstallOperation_REPLACE           InstallOperation_Type = 0
	InstallOperation_REPLACE_BZ        InstallOperation_Type = 1
	InstallOperation_MOVE              InstallOperation_Type = 2
	InstallOperation_BSDIFF            InstallOperation_Type = 3
	InstallOperation_SOURCE_COPY       InstallOperation_Type = 4
	InstallOperation_SOURCE_BSDIFF     InstallOperation_Type = 5
	InstallOperation_ZERO              InstallOperation_Type = 6
	InstallOperation_DISCARD           InstallOperation_Type = 7
	InstallOperation_REPLACE_XZ        InstallOperation_Type = 8
	InstallOperation_PUFFDIFF          InstallOperation_Type = 9
	InstallOperation_BROTLI_BSDIFF     InstallOperation_Type = 10
	InstallOperation_ZUCCHINI          InstallOperation_Type = 11
	InstallOperation_LZ4DIFF_BSDIFF    InstallOperation_Type = 12
	InstallOperation_LZ4DIFF_PUFFDIFF  InstallOperation_Type = 13
	InstallOperation_ZSTD              InstallOperation_Type = 14
)

func (t InstallOperation_Type) String() string {
	switch t {
	case InstallOperation_REPLACE:
		return "REPLACE"
	case InstallOperation_REPLACE_BZ:
		return "REPLACE_BZ"
	case InstallOperation_MOVE:
		return "MOVE"
	case InstallOperation_BSDIFF:
		return "BSDIFF"
	case InstallOperation_SOURCE_COPY:
		return "SOURCE_COPY"
	case InstallOperation_SOURCE_BSDIFF:
		return "SOURCE_BSDIFF"
	case InstallOperation_ZERO:
		return "ZERO"
	case InstallOperation_DISCARD:
		return "DISCARD"
	case InstallOperation_REPLACE_XZ:
		return "REPLACE_XZ"
	case InstallOperation_PUFFDIFF:
		return "PUFFDIFF"
	case InstallOperation_BROTLI_BSDIFF:
		return "BROTLI_BSDIFF"
	case InstallOperation_ZUCCHINI:
		return "ZUCCHINI"
	case InstallOperation_LZ4DIFF_BSDIFF:
		return "LZ4DIFF_BSDIFF"
	case InstallOperation_LZ4DIFF_PUFFDIFF:
		return "LZ4DIFF_PUFFDIFF"
	case InstallOperation_ZSTD:
		return "ZSTD"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(t))
	}
}

// Extent is a contiguous block range in the destination (or source) image.
type Extent struct {
	StartBlock uint64
	NumBlocks  uint64
}

// PartitionInfo carries the expected size/hash of a partition image.
type PartitionInfo struct {
	Size    uint64
	HasSize bool
	Hash    []byte
}

// InstallOperation is one primitive write action into a partition image.
type InstallOperation struct {
	Type           InstallOperation_Type
	DataOffset     uint64
	HasDataOffset  bool
	DataLength     uint64
	HasDataLength  bool
	SrcExtents     []Extent
	DstExtents     []Extent
	DataSHA256Hash []byte
}

// PartitionUpdate describes one partition's target state and the operations
// needed to produce it.
type PartitionUpdate struct {
	PartitionName   string
	NewPartitionInfo *PartitionInfo
	Operations      []InstallOperation
}

// DeltaArchiveManifest is the top-level payload manifest.
type DeltaArchiveManifest struct {
	BlockSize          uint32
	MinorVersion       uint32
	Partitions         []*PartitionUpdate
	MaxTimestamp       int64
	SecurityPatchLevel string
}

func (m *DeltaArchiveManifest) GetBlockSize() uint32 {
	if m == nil || m.BlockSize == 0 {
		return 4096
	}
	return m.BlockSize
}

func (m *DeltaArchiveManifest) GetMinorVersion() uint32 {
	if m == nil {
		return 0
	}
	return m.MinorVersion
}

func (m *DeltaArchiveManifest) GetPartitions() []*PartitionUpdate {
	if m == nil {
		return nil
	}
	return m.Partitions
}

func (p *PartitionUpdate) GetPartitionName() string {
	if p == nil {
		return ""
	}
	return p.PartitionName
}

func (p *PartitionUpdate) GetOperations() []InstallOperation {
	if p == nil {
		return nil
	}
	return p.Operations
}

func (p *PartitionUpdate) GetNewPartitionInfo() *PartitionInfo {
	if p == nil {
		return nil
	}
	return p.NewPartitionInfo
}

func (pi *PartitionInfo) GetSize() uint64 {
	if pi == nil {
		return 0
	}
	return pi.Size
}

func (o *InstallOperation) GetType() InstallOperation_Type { return o.Type }
func (o *InstallOperation) GetDataOffset() uint64           { return o.DataOffset }
func (o *InstallOperation) GetDataLength() uint64           { return o.DataLength }
func (o *InstallOperation) GetDstExtents() []Extent         { return o.DstExtents }
func (o *InstallOperation) GetSrcExtents() []Extent         { return o.SrcExtents }

func (e Extent) GetStartBlock() uint64 { return e.StartBlock }
func (e Extent) GetNumBlocks() uint64  { return e.NumBlocks }

// Field numbers from the upstream update_metadata.proto schema.
const (
	fieldManifestBlockSize          = 3
	fieldManifestMinorVersion       = 12
	fieldManifestPartitions         = 13
	fieldManifestMaxTimestamp       = 14
	fieldManifestSecurityPatchLevel = 18

	fieldPartitionName            = 1
	fieldPartitionOldInfo         = 6
	fieldPartitionNewInfo         = 7
	fieldPartitionOperations      = 8

	fieldPartitionInfoSize = 1
	fieldPartitionInfoHash = 2

	fieldOpType           = 1
	fieldOpDataOffset     = 2
	fieldOpDataLength     = 3
	fieldOpSrcExtents     = 4
	fieldOpDstExtents     = 6
	fieldOpDataSHA256Hash = 8

	fieldExtentStartBlock = 1
	fieldExtentNumBlocks  = 2
)

// UnmarshalManifest decodes a DeltaArchiveManifest from its protobuf wire
// encoding.
func UnmarshalManifest(data []byte) (*DeltaArchiveManifest, error) {
	m := &DeltaArchiveManifest{}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("update_metadata: malformed manifest tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldManifestBlockSize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("update_metadata: malformed block_size: %w", protowire.ParseError(n))
			}
			m.BlockSize = uint32(v)
			b = b[n:]
		case num == fieldManifestMinorVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("update_metadata: malformed minor_version: %w", protowire.ParseError(n))
			}
			m.MinorVersion = uint32(v)
			b = b[n:]
		case num == fieldManifestMaxTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("update_metadata: malformed max_timestamp: %w", protowire.ParseError(n))
			}
			m.MaxTimestamp = int64(v)
			b = b[n:]
		case num == fieldManifestSecurityPatchLevel && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("update_metadata: malformed security_patch_level: %w", protowire.ParseError(n))
			}
			m.SecurityPatchLevel = string(v)
			b = b[n:]
		case num == fieldManifestPartitions && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("update_metadata: malformed partitions entry: %w", protowire.ParseError(n))
			}
			p, err := unmarshalPartitionUpdate(v)
			if err != nil {
				return nil, err
			}
			m.Partitions = append(m.Partitions, p)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("update_metadata: malformed manifest field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return m, nil
}

func unmarshalPartitionUpdate(data []byte) (*PartitionUpdate, error) {
	p := &PartitionUpdate{}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("update_metadata: malformed partition tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldPartitionName && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("update_metadata: malformed partition_name: %w", protowire.ParseError(n))
			}
			p.PartitionName = string(v)
			b = b[n:]
		case num == fieldPartitionNewInfo && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("update_metadata: malformed new_partition_info: %w", protowire.ParseError(n))
			}
			info, err := unmarshalPartitionInfo(v)
			if err != nil {
				return nil, err
			}
			p.NewPartitionInfo = info
			b = b[n:]
		case num == fieldPartitionOldInfo && typ == protowire.BytesType:
			// old_partition_info is not needed by extraction; skip its bytes.
			_, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("update_metadata: malformed old_partition_info: %w", protowire.ParseError(n))
			}
			b = b[n:]
		case num == fieldPartitionOperations && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("update_metadata: malformed operation entry: %w", protowire.ParseError(n))
			}
			op, err := unmarshalInstallOperation(v)
			if err != nil {
				return nil, err
			}
			p.Operations = append(p.Operations, *op)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("update_metadata: malformed partition field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return p, nil
}

func unmarshalPartitionInfo(data []byte) (*PartitionInfo, error) {
	info := &PartitionInfo{}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("update_metadata: malformed partition_info tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldPartitionInfoSize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("update_metadata: malformed partition_info size: %w", protowire.ParseError(n))
			}
			info.Size = v
			info.HasSize = true
			b = b[n:]
		case num == fieldPartitionInfoHash && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("update_metadata: malformed partition_info hash: %w", protowire.ParseError(n))
			}
			info.Hash = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("update_metadata: malformed partition_info field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return info, nil
}

func unmarshalInstallOperation(data []byte) (*InstallOperation, error) {
	op := &InstallOperation{}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("update_metadata: malformed operation tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldOpType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("update_metadata: malformed operation type: %w", protowire.ParseError(n))
			}
			op.Type = InstallOperation_Type(v)
			b = b[n:]
		case num == fieldOpDataOffset && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("update_metadata: malformed data_offset: %w", protowire.ParseError(n))
			}
			op.DataOffset = v
			op.HasDataOffset = true
			b = b[n:]
		case num == fieldOpDataLength && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("update_metadata: malformed data_length: %w", protowire.ParseError(n))
			}
			op.DataLength = v
			op.HasDataLength = true
			b = b[n:]
		case num == fieldOpSrcExtents && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("update_metadata: malformed src_extents entry: %w", protowire.ParseError(n))
			}
			ext, err := unmarshalExtent(v)
			if err != nil {
				return nil, err
			}
			op.SrcExtents = append(op.SrcExtents, ext)
			b = b[n:]
		case num == fieldOpDstExtents && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("update_metadata: malformed dst_extents entry: %w", protowire.ParseError(n))
			}
			ext, err := unmarshalExtent(v)
			if err != nil {
				return nil, err
			}
			op.DstExtents = append(op.DstExtents, ext)
			b = b[n:]
		case num == fieldOpDataSHA256Hash && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("update_metadata: malformed data_sha256_hash: %w", protowire.ParseError(n))
			}
			op.DataSHA256Hash = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("update_metadata: malformed operation field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return op, nil
}

func unmarshalExtent(data []byte) (Extent, error) {
	var e Extent
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return e, fmt.Errorf("update_metadata: malformed extent tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldExtentStartBlock && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return e, fmt.Errorf("update_metadata: malformed start_block: %w", protowire.ParseError(n))
			}
			e.StartBlock = v
			b = b[n:]
		case num == fieldExtentNumBlocks && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return e, fmt.Errorf("update_metadata: malformed num_blocks: %w", protowire.ParseError(n))
			}
			e.NumBlocks = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return e, fmt.Errorf("update_metadata: malformed extent field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return e, nil
}
