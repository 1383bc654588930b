// Package update_metadata decodes the DeltaArchiveManifest embedded in
// Chromium-OS-style A/B OTA payloads. Only the fields the extraction
// pipeline consumes are modeled; unknown fields are skipped by wire
// type, so manifests from newer update_engine revisions still parse.
package update_metadata

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

type InstallOperation_Type int32

const (
	InstallOperation_REPLACE       InstallOperation_Type = 0
	InstallOperation_MOVE          InstallOperation_Type = 1
	InstallOperation_BSDIFF        InstallOperation_Type = 2
	InstallOperation_REPLACE_BZ    InstallOperation_Type = 3
	InstallOperation_SOURCE_COPY   InstallOperation_Type = 4
	InstallOperation_SOURCE_BSDIFF InstallOperation_Type = 5
	InstallOperation_ZERO          InstallOperation_Type = 6
	InstallOperation_DISCARD       InstallOperation_Type = 7
	InstallOperation_REPLACE_XZ    InstallOperation_Type = 8
	InstallOperation_PUFFDIFF      InstallOperation_Type = 9
	InstallOperation_BROTLI_BSDIFF InstallOperation_Type = 10
)

func (t InstallOperation_Type) String() string {
	switch t {
	case InstallOperation_REPLACE:
		return "REPLACE"
	case InstallOperation_MOVE:
		return "MOVE"
	case InstallOperation_BSDIFF:
		return "BSDIFF"
	case InstallOperation_REPLACE_BZ:
		return "REPLACE_BZ"
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
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(t))
	}
}

type Extent struct {
	StartBlock uint64 // field 1
	NumBlocks  uint64 // field 2
}

func (e *Extent) GetStartBlock() uint64 {
	if e == nil {
		return 0
	}
	return e.StartBlock
}

func (e *Extent) GetNumBlocks() uint64 {
	if e == nil {
		return 0
	}
	return e.NumBlocks
}

type InstallOperation struct {
	Type           InstallOperation_Type // field 1
	DataOffset     uint64                // field 2
	DataLength     uint64                // field 3
	SrcExtents     []*Extent             // field 4
	DstExtents     []*Extent             // field 6
	DataSha256Hash []byte                // field 8
}

func (o *InstallOperation) GetType() InstallOperation_Type {
	if o == nil {
		return InstallOperation_REPLACE
	}
	return o.Type
}

func (o *InstallOperation) GetDataOffset() uint64 {
	if o == nil {
		return 0
	}
	return o.DataOffset
}

func (o *InstallOperation) GetDataLength() uint64 {
	if o == nil {
		return 0
	}
	return o.DataLength
}

func (o *InstallOperation) GetSrcExtents() []*Extent {
	if o == nil {
		return nil
	}
	return o.SrcExtents
}

func (o *InstallOperation) GetDstExtents() []*Extent {
	if o == nil {
		return nil
	}
	return o.DstExtents
}

func (o *InstallOperation) GetDataSha256Hash() []byte {
	if o == nil {
		return nil
	}
	return o.DataSha256Hash
}

type PartitionInfo struct {
	Size uint64 // field 1
	Hash []byte // field 2
}

func (p *PartitionInfo) GetSize() uint64 {
	if p == nil {
		return 0
	}
	return p.Size
}

type PartitionUpdate struct {
	PartitionName    string              // field 1
	NewPartitionInfo *PartitionInfo      // field 7
	Operations       []*InstallOperation // field 8
}

func (p *PartitionUpdate) GetPartitionName() string {
	if p == nil {
		return ""
	}
	return p.PartitionName
}

func (p *PartitionUpdate) GetNewPartitionInfo() *PartitionInfo {
	if p == nil {
		return nil
	}
	return p.NewPartitionInfo
}

func (p *PartitionUpdate) GetOperations() []*InstallOperation {
	if p == nil {
		return nil
	}
	return p.Operations
}

type DeltaArchiveManifest struct {
	BlockSize    uint32             // field 3, default 4096
	hasBlockSize bool
	MinorVersion uint32             // field 12
	Partitions   []*PartitionUpdate // field 13
	MaxTimestamp int64              // field 14
}

func (m *DeltaArchiveManifest) GetBlockSize() uint32 {
	if m == nil || !m.hasBlockSize {
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

// skipField consumes a field of the given wire type.
func skipField(b []byte, num protowire.Number, typ protowire.Type) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return n, nil
}

func (e *Extent) Unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			e.StartBlock = v
			b = b[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			e.NumBlocks = v
			b = b[n:]
		default:
			n, err := skipField(b, num, typ)
			if err != nil {
				return err
			}
			b = b[n:]
		}
	}
	return nil
}

func (o *InstallOperation) Unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			o.Type = InstallOperation_Type(v)
			b = b[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			o.DataOffset = v
			b = b[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			o.DataLength = v
			b = b[n:]
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			ext := new(Extent)
			if err := ext.Unmarshal(v); err != nil {
				return err
			}
			o.SrcExtents = append(o.SrcExtents, ext)
			b = b[n:]
		case num == 6 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			ext := new(Extent)
			if err := ext.Unmarshal(v); err != nil {
				return err
			}
			o.DstExtents = append(o.DstExtents, ext)
			b = b[n:]
		case num == 8 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			o.DataSha256Hash = append([]byte(nil), v...)
			b = b[n:]
		default:
			n, err := skipField(b, num, typ)
			if err != nil {
				return err
			}
			b = b[n:]
		}
	}
	return nil
}

func (p *PartitionInfo) Unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			p.Size = v
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			p.Hash = append([]byte(nil), v...)
			b = b[n:]
		default:
			n, err := skipField(b, num, typ)
			if err != nil {
				return err
			}
			b = b[n:]
		}
	}
	return nil
}

func (p *PartitionUpdate) Unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			p.PartitionName = string(v)
			b = b[n:]
		case num == 7 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			info := new(PartitionInfo)
			if err := info.Unmarshal(v); err != nil {
				return err
			}
			p.NewPartitionInfo = info
			b = b[n:]
		case num == 8 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			op := new(InstallOperation)
			if err := op.Unmarshal(v); err != nil {
				return err
			}
			p.Operations = append(p.Operations, op)
			b = b[n:]
		default:
			n, err := skipField(b, num, typ)
			if err != nil {
				return err
			}
			b = b[n:]
		}
	}
	return nil
}

func (m *DeltaArchiveManifest) Unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.BlockSize = uint32(v)
			m.hasBlockSize = true
			b = b[n:]
		case num == 12 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.MinorVersion = uint32(v)
			b = b[n:]
		case num == 13 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			part := new(PartitionUpdate)
			if err := part.Unmarshal(v); err != nil {
				return err
			}
			m.Partitions = append(m.Partitions, part)
			b = b[n:]
		case num == 14 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.MaxTimestamp = int64(v)
			b = b[n:]
		default:
			n, err := skipField(b, num, typ)
			if err != nil {
				return err
			}
			b = b[n:]
		}
	}
	return nil
}

// Marshal emits the wire form of an extent.
func (e *Extent) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, e.StartBlock)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, e.NumBlocks)
	return b
}

func (o *InstallOperation) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(o.Type))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, o.DataOffset)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, o.DataLength)
	for _, e := range o.SrcExtents {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Marshal())
	}
	for _, e := range o.DstExtents {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Marshal())
	}
	if len(o.DataSha256Hash) > 0 {
		b = protowire.AppendTag(b, 8, protowire.BytesType)
		b = protowire.AppendBytes(b, o.DataSha256Hash)
	}
	return b
}

func (p *PartitionInfo) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, p.Size)
	if len(p.Hash) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Hash)
	}
	return b
}

func (p *PartitionUpdate) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(p.PartitionName))
	if p.NewPartitionInfo != nil {
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendBytes(b, p.NewPartitionInfo.Marshal())
	}
	for _, op := range p.Operations {
		b = protowire.AppendTag(b, 8, protowire.BytesType)
		b = protowire.AppendBytes(b, op.Marshal())
	}
	return b
}

func (m *DeltaArchiveManifest) Marshal() []byte {
	var b []byte
	blockSize := m.BlockSize
	if blockSize == 0 {
		blockSize = m.GetBlockSize()
	}
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(blockSize))
	b = protowire.AppendTag(b, 12, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.MinorVersion))
	for _, p := range m.Partitions {
		b = protowire.AppendTag(b, 13, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Marshal())
	}
	return b
}
