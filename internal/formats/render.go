package formats

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"murmur/internal/model"
)

// Render produces the artifact bytes of result in format f.
func Render(f Format, result model.Result) ([]byte, error) {
	switch f {
	case FormatText:
		return []byte(strings.TrimSpace(result.Text) + "\n"), nil
	case FormatSRT:
		return renderSRT(result.Segments), nil
	case FormatVTT:
		return renderVTT(result.Segments), nil
	case FormatJSON:
		if result.Segments == nil {
			result.Segments = []model.Segment{}
		}
		return json.MarshalIndent(result, "", "  ")
	default:
		return nil, fmt.Errorf("unsupported output format %q", f)
	}
}

// RenderAll renders every requested format plus JSON, which backs the
// download round trip.
func RenderAll(requested []string, result model.Result) (map[string][]byte, error) {
	out := make(map[string][]byte, len(requested)+1)
	names := append([]string{string(FormatJSON)}, requested...)
	for _, name := range names {
		if _, done := out[name]; done {
			continue
		}
		data, err := Render(Format(name), result)
		if err != nil {
			return nil, err
		}
		out[name] = data
	}
	return out, nil
}

func renderSRT(segments []model.Segment) []byte {
	var b bytes.Buffer
	for i, seg := range segments {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n",
			i+1, timestamp(seg.Start, ","), timestamp(seg.End, ","), strings.TrimSpace(seg.Text))
	}
	return b.Bytes()
}

func renderVTT(segments []model.Segment) []byte {
	var b bytes.Buffer
	b.WriteString("WEBVTT\n\n")
	for _, seg := range segments {
		fmt.Fprintf(&b, "%s --> %s\n%s\n\n",
			timestamp(seg.Start, "."), timestamp(seg.End, "."), strings.TrimSpace(seg.Text))
	}
	return b.Bytes()
}

// timestamp formats seconds as HH:MM:SS<sep>mmm.
func timestamp(seconds float64, sep string) string {
	if seconds < 0 {
		seconds = 0
	}
	ms := int64(math.Round(seconds * 1000))
	h := ms / 3_600_000
	ms -= h * 3_600_000
	m := ms / 60_000
	ms -= m * 60_000
	s := ms / 1000
	ms -= s * 1000
	return fmt.Sprintf("%02d:%02d:%02d%s%03d", h, m, s, sep, ms)
}
