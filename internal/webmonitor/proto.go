package webmonitor

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// marshalDetectionEvent encodes ev in proto3 wire format:
//
//	message Detection {
//	  int32 track_id = 1;
//	  int32 class_id = 2;
//	  float score = 3;
//	  float x = 4;
//	  float y = 5;
//	  float w = 6;
//	  float h = 7;
//	  bool is_new = 8;
//	}
//
//	message DetectionEvent {
//	  string session_id = 1;
//	  string source = 2;
//	  int64 frame_index = 3;
//	  double time_seconds = 4;
//	  Detection detection = 5;
//	  string line = 6;
//	}
//
// Zero-valued scalars are omitted, as proto3 does.
func marshalDetectionEvent(ev DetectionEvent) []byte {
	var b []byte
	b = appendString(b, 1, ev.SessionID)
	b = appendString(b, 2, ev.Source)
	b = appendVarint(b, 3, uint64(ev.FrameIndex))
	if ev.TimeSeconds != 0 {
		b = protowire.AppendTag(b, 4, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(ev.TimeSeconds))
	}
	b = protowire.AppendTag(b, 5, protowire.BytesType)
	b = protowire.AppendBytes(b, marshalDetection(ev.Detection))
	b = appendString(b, 6, ev.Line)
	return b
}

func marshalDetection(d Detection) []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(int64(d.TrackID)))
	b = appendVarint(b, 2, uint64(int64(d.ClassID)))
	b = appendFloat(b, 3, d.Score)
	b = appendFloat(b, 4, d.BBox.X)
	b = appendFloat(b, 5, d.BBox.Y)
	b = appendFloat(b, 6, d.BBox.W)
	b = appendFloat(b, 7, d.BBox.H)
	if d.IsNew {
		b = appendVarint(b, 8, 1)
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

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendFloat(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(float32(v)))
}
