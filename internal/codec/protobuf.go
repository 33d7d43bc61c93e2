package codec

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/coral-mesh/coverage-agent/internal/safe"
)

// Field numbers of the coverage payload messages:
//
//	message CoveragePayload {
//	  string group_id = 1;
//	  string app_id = 2;
//	  string instance_id = 3;
//	  repeated ClassCoverage classes = 4;
//	}
//
//	message ClassCoverage {
//	  string classname = 1;
//	  string test_session_id = 2;
//	  string test_id = 3;
//	  uint32 probe_count = 4;
//	  bytes probes = 5;
//	  fixed64 class_id = 6;
//	}
const (
	fieldGroupID    protowire.Number = 1
	fieldAppID      protowire.Number = 2
	fieldInstanceID protowire.Number = 3
	fieldClasses    protowire.Number = 4

	fieldClassName  protowire.Number = 1
	fieldSessionID  protowire.Number = 2
	fieldTestID     protowire.Number = 3
	fieldProbeCount protowire.Number = 4
	fieldProbes     protowire.Number = 5
	fieldClassID    protowire.Number = 6
)

func marshalProto(p Payload) ([]byte, error) {
	var b []byte
	b = appendString(b, fieldGroupID, p.GroupID)
	b = appendString(b, fieldAppID, p.AppID)
	b = appendString(b, fieldInstanceID, p.InstanceID)

	var msg []byte
	for _, c := range p.Classes {
		if c.ProbeCount < 0 {
			return nil, fmt.Errorf("class %s: negative probe count", c.ClassName)
		}
		msg = msg[:0]
		msg = appendString(msg, fieldClassName, c.ClassName)
		msg = appendString(msg, fieldSessionID, c.TestSessionID)
		msg = appendString(msg, fieldTestID, c.TestID)
		if c.ProbeCount != 0 {
			msg = protowire.AppendTag(msg, fieldProbeCount, protowire.VarintType)
			msg = protowire.AppendVarint(msg, uint64(c.ProbeCount))
		}
		if len(c.Probes) > 0 {
			msg = protowire.AppendTag(msg, fieldProbes, protowire.BytesType)
			msg = protowire.AppendBytes(msg, c.Probes)
		}
		if c.ClassID != 0 {
			msg = protowire.AppendTag(msg, fieldClassID, protowire.Fixed64Type)
			msg = protowire.AppendFixed64(msg, c.ClassID)
		}
		b = protowire.AppendTag(b, fieldClasses, protowire.BytesType)
		b = protowire.AppendBytes(b, msg)
	}
	return b, nil
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func unmarshalProto(b []byte) (Payload, error) {
	var p Payload
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case typ == protowire.BytesType && num == fieldGroupID:
			v, n := protowire.ConsumeString(b)
			p.GroupID = v
			return n, nil
		case typ == protowire.BytesType && num == fieldAppID:
			v, n := protowire.ConsumeString(b)
			p.AppID = v
			return n, nil
		case typ == protowire.BytesType && num == fieldInstanceID:
			v, n := protowire.ConsumeString(b)
			p.InstanceID = v
			return n, nil
		case typ == protowire.BytesType && num == fieldClasses:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			c, err := unmarshalClass(v)
			if err != nil {
				return 0, err
			}
			p.Classes = append(p.Classes, c)
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	return p, err
}

func unmarshalClass(b []byte) (ClassCoverage, error) {
	var c ClassCoverage
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case typ == protowire.BytesType && num == fieldClassName:
			v, n := protowire.ConsumeString(b)
			c.ClassName = v
			return n, nil
		case typ == protowire.BytesType && num == fieldSessionID:
			v, n := protowire.ConsumeString(b)
			c.TestSessionID = v
			return n, nil
		case typ == protowire.BytesType && num == fieldTestID:
			v, n := protowire.ConsumeString(b)
			c.TestID = v
			return n, nil
		case typ == protowire.VarintType && num == fieldProbeCount:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return n, nil
			}
			count, clamped := safe.Uint64ToInt(v)
			if clamped {
				return 0, fmt.Errorf("probe count %d overflows int", v)
			}
			c.ProbeCount = count
			return n, nil
		case typ == protowire.BytesType && num == fieldProbes:
			v, n := protowire.ConsumeBytes(b)
			c.Probes = append([]byte(nil), v...)
			return n, nil
		case typ == protowire.Fixed64Type && num == fieldClassID:
			v, n := protowire.ConsumeFixed64(b)
			c.ClassID = v
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	return c, err
}

// walkFields calls fn for each field in b. fn returns the number of value
// bytes it consumed, or a negative protowire error code.
func walkFields(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		n, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if n < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil
}
