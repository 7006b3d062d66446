package tensorboard

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of tensorflow.Event, tensorflow.Summary and
// tensorflow.Summary.Value
const (
	eventWallTime    protowire.Number = 1
	eventStep        protowire.Number = 2
	eventFileVersion protowire.Number = 3
	eventSummary     protowire.Number = 5

	summaryValue protowire.Number = 1

	valueTag         protowire.Number = 1
	valueSimpleValue protowire.Number = 2
)

const fileVersion = "brain.Event:2"

// Event is the subset of tensorflow.Event written by EventWriter
type Event struct {
	WallTime    float64
	Step        int64
	FileVersion string
	Values      []Scalar
}

// Scalar is one tagged value of a summary
type Scalar struct {
	Tag   string
	Value float32
}

// ScalarPoint is one value of a scalar series together with the step of the
// event that carried it
type ScalarPoint struct {
	Step  int64
	Value float32
}

func (e *Event) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, eventWallTime, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(e.WallTime))
	if e.Step != 0 {
		b = protowire.AppendTag(b, eventStep, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.Step))
	}
	if e.FileVersion != "" {
		b = protowire.AppendTag(b, eventFileVersion, protowire.BytesType)
		b = protowire.AppendString(b, e.FileVersion)
	}
	if len(e.Values) > 0 {
		var summary []byte
		for _, v := range e.Values {
			var value []byte
			value = protowire.AppendTag(value, valueTag, protowire.BytesType)
			value = protowire.AppendString(value, v.Tag)
			value = protowire.AppendTag(value, valueSimpleValue, protowire.Fixed32Type)
			value = protowire.AppendFixed32(value, math.Float32bits(v.Value))

			summary = protowire.AppendTag(summary, summaryValue, protowire.BytesType)
			summary = protowire.AppendBytes(summary, value)
		}
		b = protowire.AppendTag(b, eventSummary, protowire.BytesType)
		b = protowire.AppendBytes(b, summary)
	}
	return b
}

func unmarshalEvent(b []byte) (*Event, error) {
	e := &Event{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == eventWallTime && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			e.WallTime = math.Float64frombits(v)
			return n, nil
		case num == eventStep && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			e.Step = int64(v)
			return n, nil
		case num == eventFileVersion && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			e.FileVersion = v
			return n, nil
		case num == eventSummary && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			values, err := unmarshalSummary(v)
			if err != nil {
				return 0, err
			}
			e.Values = append(e.Values, values...)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	return e, nil
}

func unmarshalSummary(b []byte) ([]Scalar, error) {
	var values []Scalar
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != summaryValue || typ != protowire.BytesType {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}

		var s Scalar
		err := consumeFields(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch {
			case num == valueTag && typ == protowire.BytesType:
				tag, n := protowire.ConsumeString(b)
				s.Tag = tag
				return n, nil
			case num == valueSimpleValue && typ == protowire.Fixed32Type:
				bits, n := protowire.ConsumeFixed32(b)
				s.Value = math.Float32frombits(bits)
				return n, nil
			}
			return protowire.ConsumeFieldValue(num, typ, b), nil
		})
		if err != nil {
			return 0, err
		}
		values = append(values, s)
		return n, nil
	})
	return values, err
}

// consumeFields walks the fields of a message, handing each value to fn.
// fn returns the number of bytes it consumed or a negative protowire error
// code.
func consumeFields(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}
