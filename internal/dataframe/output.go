// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package dataframe

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// wireRow is the flattened 21-column form shared by all three codecs.
type wireRow struct {
	Class          int32   `json:"class"`
	TS             int64   `json:"ts"`
	LowerBoundary  int64   `json:"_lower_boundary"`
	UpperBoundary  int64   `json:"_upper_boundary"`
	NozzleCount    int64   `json:"nozzle__count"`
	NozzleMean     float64 `json:"nozzle__mean"`
	NozzleStd      float64 `json:"nozzle__std"`
	AdhesionCount  int64   `json:"adhesion__count"`
	AdhesionMean   float64 `json:"adhesion__mean"`
	AdhesionStd    float64 `json:"adhesion__std"`
	SpaghettiCount int64   `json:"spaghetti__count"`
	SpaghettiMean  float64 `json:"spaghetti__mean"`
	SpaghettiStd   float64 `json:"spaghetti__std"`
	PrintCount     int64   `json:"print__count"`
	PrintMean      float64 `json:"print__mean"`
	PrintStd       float64 `json:"print__std"`
	RaftCount      int64   `json:"raft__count"`
	RaftMean       float64 `json:"raft__mean"`
	RaftStd        float64 `json:"raft__std"`
	GroupCount     int64   `json:"group__count"`
	GroupMean      float64 `json:"group__mean"`
}

func flatten(r WindowRow) wireRow {
	return wireRow{
		Class:          r.Class,
		TS:             r.TS,
		LowerBoundary:  r.LowerBoundary,
		UpperBoundary:  r.UpperBoundary,
		NozzleCount:    r.ClassCount[0],
		NozzleMean:     r.ClassMean[0],
		NozzleStd:      r.ClassStd[0],
		AdhesionCount:  r.ClassCount[1],
		AdhesionMean:   r.ClassMean[1],
		AdhesionStd:    r.ClassStd[1],
		SpaghettiCount: r.ClassCount[2],
		SpaghettiMean:  r.ClassMean[2],
		SpaghettiStd:   r.ClassStd[2],
		PrintCount:     r.ClassCount[3],
		PrintMean:      r.ClassMean[3],
		PrintStd:       r.ClassStd[3],
		RaftCount:      r.ClassCount[4],
		RaftMean:       r.ClassMean[4],
		RaftStd:        r.ClassStd[4],
		GroupCount:     r.GroupCount,
		GroupMean:      r.GroupMean,
	}
}

// OutputSchema is the Arrow schema of emitted aggregation frames.
func OutputSchema() *arrow.Schema {
	fields := []arrow.Field{
		{Name: "class", Type: arrow.PrimitiveTypes.Int32},
		{Name: "ts", Type: arrow.PrimitiveTypes.Int64},
		{Name: "_lower_boundary", Type: arrow.PrimitiveTypes.Int64},
		{Name: "_upper_boundary", Type: arrow.PrimitiveTypes.Int64},
	}
	for _, c := range classOrder {
		name := ClassNames[c]
		fields = append(fields,
			arrow.Field{Name: name + "__count", Type: arrow.PrimitiveTypes.Int64},
			arrow.Field{Name: name + "__mean", Type: arrow.PrimitiveTypes.Float64},
			arrow.Field{Name: name + "__std", Type: arrow.PrimitiveTypes.Float64},
		)
	}
	fields = append(fields,
		arrow.Field{Name: "group__count", Type: arrow.PrimitiveTypes.Int64},
		arrow.Field{Name: "group__mean", Type: arrow.PrimitiveTypes.Float64},
	)
	return arrow.NewSchema(fields, nil)
}

func (m OutputMode) encode(rows []WindowRow) ([]byte, error) {
	switch m {
	case OutputArrowIPC:
		return encodeArrow(rows)
	case OutputJSONLines:
		return encodeJSONLines(rows)
	case OutputFramedJSON:
		return encodeFramedJSON(rows)
	default:
		return nil, fmt.Errorf("dataframe: unknown output mode %d", int(m))
	}
}

func encodeArrow(rows []WindowRow) ([]byte, error) {
	schema := OutputSchema()
	builder := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer builder.Release()

	for _, r := range rows {
		w := flatten(r)
		builder.Field(0).(*array.Int32Builder).Append(w.Class)
		builder.Field(1).(*array.Int64Builder).Append(w.TS)
		builder.Field(2).(*array.Int64Builder).Append(w.LowerBoundary)
		builder.Field(3).(*array.Int64Builder).Append(w.UpperBoundary)
		col := 4
		for _, c := range classOrder {
			builder.Field(col).(*array.Int64Builder).Append(r.ClassCount[c])
			builder.Field(col + 1).(*array.Float64Builder).Append(r.ClassMean[c])
			builder.Field(col + 2).(*array.Float64Builder).Append(r.ClassStd[c])
			col += 3
		}
		builder.Field(col).(*array.Int64Builder).Append(w.GroupCount)
		builder.Field(col + 1).(*array.Float64Builder).Append(w.GroupMean)
	}

	rec := builder.NewRecord()
	defer rec.Release()

	var buf bytes.Buffer
	writer := ipc.NewWriter(&buf, ipc.WithSchema(schema))
	if err := writer.Write(rec); err != nil {
		return nil, fmt.Errorf("serialize aggregation: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finish aggregation stream: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeJSONLines(rows []WindowRow) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range rows {
		if err := enc.Encode(flatten(r)); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func encodeFramedJSON(rows []WindowRow) ([]byte, error) {
	flat := make([]wireRow, len(rows))
	for i, r := range rows {
		flat[i] = flatten(r)
	}
	payload, err := json.Marshal(flat)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[4:], payload)
	return out, nil
}
