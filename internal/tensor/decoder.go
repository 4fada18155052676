// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package tensor converts per-frame detection tensors into timestamped
// columnar record batches serialized as Arrow IPC stream bytes.
package tensor

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"

	applog "github.com/ManuGH/printwatch/internal/log"
	"github.com/ManuGH/printwatch/internal/metrics"
)

// Tensor is one raw tensor: four dimensions and little-endian float32 data.
type Tensor struct {
	Dims [4]int
	Data []byte
}

func (t Tensor) elements() int {
	n := 1
	for _, d := range t.Dims {
		n *= d
	}
	return n
}

// Frame is the four-tensor detection output of one video frame:
// bounding boxes (4:N:1:1), classes (N:1:1:1), scores (N:1:1:1) and the
// detection count (1:1:1:1).
type Frame struct {
	Boxes   Tensor
	Classes Tensor
	Scores  Tensor
	Count   Tensor
}

// ShapeError reports a tensor whose shape or size does not match the
// detection contract. The frame carrying it is dropped.
type ShapeError struct {
	Tensor string
	Want   [4]int
	Got    [4]int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("tensor %s: shape %v, want %v", e.Tensor, e.Got, e.Want)
}

// Metadata keys attached to every emitted batch.
const (
	MetaFramerateNumerator   = "framerate_numerator"
	MetaFramerateDenominator = "framerate_denominator"
)

// Schema of the emitted record batches.
func Schema(framerateN, framerateD int) *arrow.Schema {
	md := arrow.NewMetadata(
		[]string{MetaFramerateNumerator, MetaFramerateDenominator},
		[]string{strconv.Itoa(framerateN), strconv.Itoa(framerateD)},
	)
	return arrow.NewSchema([]arrow.Field{
		{Name: "x0", Type: arrow.PrimitiveTypes.Float32},
		{Name: "y0", Type: arrow.PrimitiveTypes.Float32},
		{Name: "x1", Type: arrow.PrimitiveTypes.Float32},
		{Name: "y1", Type: arrow.PrimitiveTypes.Float32},
		{Name: "class", Type: arrow.PrimitiveTypes.Int32},
		{Name: "score", Type: arrow.PrimitiveTypes.Float32},
		{Name: "ts", Type: arrow.PrimitiveTypes.Int64},
	}, &md)
}

// Decoder turns Frames into Arrow IPC stream bytes. One wall-clock read
// per frame stamps every row of that frame.
type Decoder struct {
	schema *arrow.Schema
	alloc  memory.Allocator
	now    func() int64
	pool   sync.Pool
	log    zerolog.Logger
}

// NewDecoder builds a decoder for the given output framerate.
func NewDecoder(framerateN, framerateD int) *Decoder {
	return &Decoder{
		schema: Schema(framerateN, framerateD),
		alloc:  memory.DefaultAllocator,
		now:    func() int64 { return time.Now().UnixNano() },
		pool:   sync.Pool{New: func() any { return new(bytes.Buffer) }},
		log:    applog.WithComponent("tensor"),
	}
}

func (d *Decoder) validate(f Frame) (int, error) {
	if f.Boxes.Dims[0] != 4 || f.Boxes.Dims[2] != 1 || f.Boxes.Dims[3] != 1 {
		return 0, &ShapeError{Tensor: "boxes", Want: [4]int{4, f.Boxes.Dims[1], 1, 1}, Got: f.Boxes.Dims}
	}
	n := f.Boxes.Dims[1]
	for _, check := range []struct {
		name string
		t    Tensor
		want [4]int
	}{
		{"classes", f.Classes, [4]int{n, 1, 1, 1}},
		{"scores", f.Scores, [4]int{n, 1, 1, 1}},
		{"count", f.Count, [4]int{1, 1, 1, 1}},
	} {
		if check.t.Dims != check.want {
			return 0, &ShapeError{Tensor: check.name, Want: check.want, Got: check.t.Dims}
		}
	}
	for _, check := range []struct {
		name string
		t    Tensor
	}{
		{"boxes", f.Boxes}, {"classes", f.Classes}, {"scores", f.Scores}, {"count", f.Count},
	} {
		if len(check.t.Data) != check.t.elements()*4 {
			return 0, fmt.Errorf("tensor %s: %d data bytes for %d float32 elements",
				check.name, len(check.t.Data), check.t.elements())
		}
	}
	return n, nil
}

func f32At(data []byte, i int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
}

// Decode validates the frame, stamps every row with one nanosecond clock
// read, and returns the batch serialized as an Arrow IPC stream
// (schema, one record, end-of-stream sentinel). Invalid frames are
// dropped with a structured error and counted.
func (d *Decoder) Decode(f Frame) ([]byte, error) {
	n, err := d.validate(f)
	if err != nil {
		metrics.IncTensorDrop("shape")
		d.log.Warn().Err(err).
			Str("event", "tensor.decode.drop").
			Msg("dropping frame with invalid tensor set")
		return nil, err
	}

	ts := d.now()

	builder := array.NewRecordBuilder(d.alloc, d.schema)
	defer builder.Release()

	x0 := builder.Field(0).(*array.Float32Builder)
	y0 := builder.Field(1).(*array.Float32Builder)
	x1 := builder.Field(2).(*array.Float32Builder)
	y1 := builder.Field(3).(*array.Float32Builder)
	class := builder.Field(4).(*array.Int32Builder)
	score := builder.Field(5).(*array.Float32Builder)
	tsCol := builder.Field(6).(*array.Int64Builder)

	for i := 0; i < n; i++ {
		x0.Append(f32At(f.Boxes.Data, i*4))
		y0.Append(f32At(f.Boxes.Data, i*4+1))
		x1.Append(f32At(f.Boxes.Data, i*4+2))
		y1.Append(f32At(f.Boxes.Data, i*4+3))
		class.Append(int32(f32At(f.Classes.Data, i)))
		score.Append(f32At(f.Scores.Data, i))
		tsCol.Append(ts)
	}

	rec := builder.NewRecord()
	defer rec.Release()

	buf := d.pool.Get().(*bytes.Buffer)
	buf.Reset()
	defer d.pool.Put(buf)

	writer := ipc.NewWriter(buf, ipc.WithSchema(d.schema), ipc.WithAllocator(d.alloc))
	if err := writer.Write(rec); err != nil {
		metrics.IncTensorDrop("serialize")
		return nil, fmt.Errorf("serialize batch: %w", err)
	}
	if err := writer.Close(); err != nil {
		metrics.IncTensorDrop("serialize")
		return nil, fmt.Errorf("finish stream: %w", err)
	}

	metrics.TensorFramesTotal.Inc()

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}
