// Package client moves invocations across process boundaries: tensor
// batches travel as Arrow records over Flight DoExchange, with CBOR
// app metadata carrying the shape and dtype envelope.
package client

import (
	"fmt"
	"unsafe"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"

	"github.com/23skdu/longbow-nock/internal/dltensor"
)

// tensorSchema carries one output slot per record: each row is the dense
// row-major payload of one sample.
var tensorSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: "tensor", Type: arrow.ListOf(arrow.PrimitiveTypes.Uint8)},
	},
	nil,
)

// slotMeta is the CBOR envelope sent as app metadata next to each record.
type slotMeta struct {
	Code   uint8     `cbor:"code"`
	Bits   uint8     `cbor:"bits"`
	Lanes  uint16    `cbor:"lanes"`
	Shapes [][]int64 `cbor:"shapes"`
	Layout string    `cbor:"layout,omitempty"`
}

// TensorCodec converts between capsule batches and Arrow records.
type TensorCodec struct {
	mem memory.Allocator
}

// NewTensorCodec creates a codec backed by mem.
func NewTensorCodec(mem memory.Allocator) *TensorCodec {
	return &TensorCodec{mem: mem}
}

// EncodeSlot consumes every capsule of one slot and packs the batch into a
// record plus its metadata envelope. Strided sources are gathered dense.
// Each capsule is released as soon as its bytes are copied out.
func (c *TensorCodec) EncodeSlot(caps []*dltensor.Capsule, layout string) (arrow.Record, []byte, error) {
	meta := slotMeta{
		Shapes: make([][]int64, 0, len(caps)),
		Layout: layout,
	}

	// Empty batches still need a decodable dtype envelope.
	xdt, err := dltensor.ToExchangeType(dltensor.Uint8)
	if err != nil {
		return nil, nil, err
	}

	listBuilder := array.NewListBuilder(c.mem, arrow.PrimitiveTypes.Uint8)
	defer listBuilder.Release()
	valueBuilder := listBuilder.ValueBuilder().(*array.Uint8Builder)

	var scratch []byte
	for i, cp := range caps {
		desc := cp.Consume()
		if i == 0 {
			xdt = desc.DType
		} else if desc.DType != xdt {
			cp.Release()
			return nil, nil, fmt.Errorf("client: mixed dtypes in slot, %s then %s", xdt, desc.DType)
		}
		meta.Shapes = append(meta.Shapes, append([]int64(nil), desc.Shape...))

		n := desc.SizeBytes()
		if int64(len(scratch)) < n {
			scratch = make([]byte, n)
		}
		if err := dltensor.CopyToHost(scratch[:n], desc); err != nil {
			cp.Release()
			return nil, nil, err
		}
		listBuilder.Append(true)
		valueBuilder.AppendValues(scratch[:n], nil)
		cp.Release()
	}

	meta.Code = uint8(xdt.Code)
	meta.Bits = xdt.Bits
	meta.Lanes = xdt.Lanes

	metaBytes, err := cbor.Marshal(meta)
	if err != nil {
		return nil, nil, err
	}

	col := listBuilder.NewArray()
	defer col.Release()
	return array.NewRecord(tensorSchema, []arrow.Array{col}, int64(len(caps))), metaBytes, nil
}

// DecodeSlot unpacks a record into one capsule per row. Each capsule
// retains the record and releases it again on its own release, so the
// zero-copy views stay valid however long the receiver holds them.
func (c *TensorCodec) DecodeSlot(rec arrow.Record, metaBytes []byte) ([]*dltensor.Capsule, string, error) {
	var meta slotMeta
	if err := cbor.Unmarshal(metaBytes, &meta); err != nil {
		return nil, "", fmt.Errorf("client: bad slot metadata: %w", err)
	}
	dt, err := dltensor.FromExchangeType(dltensor.ExchangeDType{
		Code:  dltensor.TypeCode(meta.Code),
		Bits:  meta.Bits,
		Lanes: meta.Lanes,
	})
	if err != nil {
		return nil, "", err
	}

	rows := int(rec.NumRows())
	if len(meta.Shapes) != rows {
		return nil, "", fmt.Errorf("client: %d shapes for %d rows", len(meta.Shapes), rows)
	}

	listArr, ok := rec.Column(0).(*array.List)
	if !ok {
		return nil, "", fmt.Errorf("client: tensor column is %T, want list", rec.Column(0))
	}
	values := listArr.ListValues().(*array.Uint8)
	raw := values.Uint8Values()
	offsets := listArr.Offsets()

	caps := make([]*dltensor.Capsule, rows)
	for i := 0; i < rows; i++ {
		shape := meta.Shapes[i]
		start, end := offsets[i], offsets[i+1]

		var ptr unsafe.Pointer
		if end > start {
			ptr = unsafe.Pointer(&raw[start])
		}
		desc, err := dltensor.FromBuffer(ptr, shape, dt, dltensor.Device{Type: dltensor.DeviceCPU})
		if err != nil {
			releaseSlot(caps[:i])
			return nil, "", err
		}
		if got, want := int64(end-start), desc.SizeBytes(); got != want {
			releaseSlot(caps[:i])
			return nil, "", fmt.Errorf("client: row %d holds %d bytes, shape needs %d", i, got, want)
		}

		rec.Retain()
		caps[i] = dltensor.Wrap(desc, rec, rec.Release)
	}
	return caps, meta.Layout, nil
}

func releaseSlot(caps []*dltensor.Capsule) {
	for _, c := range caps {
		if c != nil {
			c.Release()
		}
	}
}
