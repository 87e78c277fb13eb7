package formats

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Format is an output artifact format produced for completed jobs.
type Format string

const (
	FormatText Format = "txt"
	FormatSRT  Format = "srt"
	FormatVTT  Format = "vtt"
	FormatJSON Format = "json"
)

// DefaultOutputs is used when a submission names no output formats.
var DefaultOutputs = []string{string(FormatText)}

var outputFormats = map[Format]string{
	FormatText: "text/plain; charset=utf-8",
	FormatSRT:  "application/x-subrip",
	FormatVTT:  "text/vtt; charset=utf-8",
	FormatJSON: "application/json",
}

// inputContainers lists the media containers accepted for upload, keyed by
// lowercased file extension without the dot.
var inputContainers = map[string]struct{}{
	"wav":  {},
	"mp3":  {},
	"m4a":  {},
	"aac":  {},
	"flac": {},
	"ogg":  {},
	"opus": {},
	"webm": {},
	"mp4":  {},
	"mkv":  {},
	"mov":  {},
	"avi":  {},
	"wma":  {},
}

// InputFormats returns the accepted input container names, sorted.
func InputFormats() []string {
	out := make([]string, 0, len(inputContainers))
	for k := range inputContainers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// OutputFormats returns the supported output format names, sorted.
func OutputFormats() []string {
	out := make([]string, 0, len(outputFormats))
	for k := range outputFormats {
		out = append(out, string(k))
	}
	sort.Strings(out)
	return out
}

// DeclaredFormat derives the declared container from a file name.
func DeclaredFormat(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(strings.TrimSpace(name)), "."))
}

// ValidateInput checks the declared container against the accepted list.
//
// The returned error message is user-facing.
func ValidateInput(declared string) error {
	if declared == "" {
		return fmt.Errorf("file name has no extension; supported formats are: %s", strings.Join(InputFormats(), ", "))
	}
	if _, ok := inputContainers[declared]; !ok {
		return fmt.Errorf("unsupported input format %q; supported formats are: %s", declared, strings.Join(InputFormats(), ", "))
	}
	return nil
}

// SniffMedia inspects the leading bytes of an upload and rejects content
// that is clearly not audio or video (text, images, documents, archives).
// Unknown binary content is let through for the converter to judge.
func SniffMedia(head []byte) (string, error) {
	mtype := mimetype.Detect(head)
	name := mtype.String()
	for m := mtype; m != nil; m = m.Parent() {
		switch {
		case strings.HasPrefix(m.String(), "audio/"),
			strings.HasPrefix(m.String(), "video/"),
			m.Is("application/ogg"):
			return name, nil
		}
	}
	if mtype.Is("application/octet-stream") {
		return name, nil
	}
	return name, fmt.Errorf("file content looks like %s, not audio or video", name)
}

// NormalizeOutputs lowercases, deduplicates and validates requested
// output formats, falling back to DefaultOutputs when none are given.
func NormalizeOutputs(requested []string) ([]string, error) {
	seen := make(map[string]struct{}, len(requested))
	out := make([]string, 0, len(requested))
	for _, raw := range requested {
		for _, part := range strings.Split(raw, ",") {
			name := strings.ToLower(strings.TrimSpace(part))
			if name == "" {
				continue
			}
			if _, ok := outputFormats[Format(name)]; !ok {
				return nil, fmt.Errorf("unsupported output format %q; allowed formats are: %s", name, strings.Join(OutputFormats(), ", "))
			}
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	if len(out) == 0 {
		return append([]string(nil), DefaultOutputs...), nil
	}
	return out, nil
}

// ContentType returns the MIME type served for an output format.
func ContentType(f Format) string {
	if ct, ok := outputFormats[f]; ok {
		return ct
	}
	return "application/octet-stream"
}

// IsOutput reports whether name is a supported output format.
func IsOutput(name string) bool {
	_, ok := outputFormats[Format(name)]
	return ok
}
