package checkpoints

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire layout of the protobuf checkpoint format:
//
//	message Checkpoint { Metadata metadata = 1; repeated Tensor tensors = 2; }
//	message Tensor     { string name = 1; repeated int64 shape = 2; repeated double data = 3; }
//	message Metadata   { string framework = 1; string version = 2; int64 epoch = 3;
//	                     double learning_rate = 4; double accuracy = 5;
//	                     int64 created_at_unix_nano = 6; string description = 7; }
const (
	checkpointMetadata protowire.Number = 1
	checkpointTensor   protowire.Number = 2

	tensorName  protowire.Number = 1
	tensorShape protowire.Number = 2
	tensorData  protowire.Number = 3

	metaFramework    protowire.Number = 1
	metaVersion      protowire.Number = 2
	metaEpoch        protowire.Number = 3
	metaLearningRate protowire.Number = 4
	metaAccuracy     protowire.Number = 5
	metaCreatedAt    protowire.Number = 6
	metaDescription  protowire.Number = 7
)

func marshalProto(c *Checkpoint) []byte {
	var meta []byte
	meta = appendString(meta, metaFramework, c.Metadata.Framework)
	meta = appendString(meta, metaVersion, c.Metadata.Version)
	meta = protowire.AppendTag(meta, metaEpoch, protowire.VarintType)
	meta = protowire.AppendVarint(meta, uint64(int64(c.TrainingState.Epoch)))
	meta = protowire.AppendTag(meta, metaLearningRate, protowire.Fixed64Type)
	meta = protowire.AppendFixed64(meta, math.Float64bits(c.TrainingState.LearningRate))
	meta = protowire.AppendTag(meta, metaAccuracy, protowire.Fixed64Type)
	meta = protowire.AppendFixed64(meta, math.Float64bits(c.TrainingState.Accuracy))
	meta = protowire.AppendTag(meta, metaCreatedAt, protowire.VarintType)
	meta = protowire.AppendVarint(meta, uint64(c.Metadata.CreatedAt.UnixNano()))
	meta = appendString(meta, metaDescription, c.Metadata.Description)

	var b []byte
	b = protowire.AppendTag(b, checkpointMetadata, protowire.BytesType)
	b = protowire.AppendBytes(b, meta)

	for _, w := range c.Weights {
		var t []byte
		t = appendString(t, tensorName, w.Name)

		var shape []byte
		for _, d := range w.Shape {
			shape = protowire.AppendVarint(shape, uint64(int64(d)))
		}
		t = protowire.AppendTag(t, tensorShape, protowire.BytesType)
		t = protowire.AppendBytes(t, shape)

		data := make([]byte, 0, 8*len(w.Data))
		for _, v := range w.Data {
			data = protowire.AppendFixed64(data, math.Float64bits(v))
		}
		t = protowire.AppendTag(t, tensorData, protowire.BytesType)
		t = protowire.AppendBytes(t, data)

		b = protowire.AppendTag(b, checkpointTensor, protowire.BytesType)
		b = protowire.AppendBytes(b, t)
	}
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func unmarshalProto(b []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		if typ != protowire.BytesType || (num != checkpointMetadata && num != checkpointTensor) {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}

		msg, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		if num == checkpointMetadata {
			if err := unmarshalMetadata(msg, c); err != nil {
				return nil, fmt.Errorf("metadata: %w", err)
			}
			continue
		}
		w, err := unmarshalTensor(msg)
		if err != nil {
			return nil, fmt.Errorf("tensor %d: %w", len(c.Weights), err)
		}
		c.Weights = append(c.Weights, w)
	}
	return c, nil
}

func unmarshalMetadata(b []byte, c *Checkpoint) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == metaFramework && typ == protowire.BytesType:
			c.Metadata.Framework, n = protowire.ConsumeString(b)
		case num == metaVersion && typ == protowire.BytesType:
			c.Metadata.Version, n = protowire.ConsumeString(b)
		case num == metaDescription && typ == protowire.BytesType:
			c.Metadata.Description, n = protowire.ConsumeString(b)
		case num == metaEpoch && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			c.TrainingState.Epoch = int(int64(v))
		case num == metaCreatedAt && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			c.Metadata.CreatedAt = time.Unix(0, int64(v))
		case num == metaLearningRate && typ == protowire.Fixed64Type:
			var v uint64
			v, n = protowire.ConsumeFixed64(b)
			c.TrainingState.LearningRate = math.Float64frombits(v)
		case num == metaAccuracy && typ == protowire.Fixed64Type:
			var v uint64
			v, n = protowire.ConsumeFixed64(b)
			c.TrainingState.Accuracy = math.Float64frombits(v)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil
}

func unmarshalTensor(b []byte) (WeightTensor, error) {
	var w WeightTensor
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return w, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == tensorName && typ == protowire.BytesType:
			w.Name, n = protowire.ConsumeString(b)

		case num == tensorShape && typ == protowire.BytesType:
			var packed []byte
			packed, n = protowire.ConsumeBytes(b)
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return w, protowire.ParseError(m)
				}
				w.Shape = append(w.Shape, int(int64(v)))
				packed = packed[m:]
			}

		case num == tensorData && typ == protowire.BytesType:
			var packed []byte
			packed, n = protowire.ConsumeBytes(b)
			if len(packed)%8 != 0 {
				return w, fmt.Errorf("packed data of %d bytes is not a multiple of 8", len(packed))
			}
			w.Data = make([]float64, 0, len(packed)/8)
			for len(packed) > 0 {
				v, m := protowire.ConsumeFixed64(packed)
				w.Data = append(w.Data, math.Float64frombits(v))
				packed = packed[m:]
			}

		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return w, protowire.ParseError(n)
		}
		b = b[n:]
	}

	size := 1
	for _, d := range w.Shape {
		size *= d
	}
	if size != len(w.Data) {
		return w, fmt.Errorf("%s: shape %v needs %d values, got %d", w.Name, w.Shape, size, len(w.Data))
	}
	return w, nil
}
