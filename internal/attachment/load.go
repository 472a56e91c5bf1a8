// Package attachment loads files attached to a message and decides whether
// each one is inlined into the prompt or embedded as searchable chunks.
package attachment

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Kind classifies an attachment.
type Kind string

const (
	KindImage    Kind = "image"
	KindDocument Kind = "document"
)

// File is a loaded attachment.
type File struct {
	Path    string // Display path, including a line range when one was given
	Name    string
	Kind    Kind
	MIME    string
	Content string // Text content of documents
	DataURL string // data: URL of images
	Size    int
}

var imageTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// Expand resolves attachment arguments to file specs. Patterns support "**"
// and a leading "~/". A literal path that matches nothing is kept so the
// caller gets a read error naming it.
func Expand(args []string) ([]Spec, error) {
	var out []Spec
	for _, arg := range args {
		spec, err := ParseSpec(arg)
		if err != nil {
			return nil, err
		}
		pattern := expandHome(spec.Pattern)
		matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("invalid glob pattern %q: %w", spec.Pattern, err)
		}
		if len(matches) == 0 && !hasGlobChars(spec.Pattern) {
			matches = []string{pattern}
		}
		for _, m := range matches {
			s := spec
			s.Pattern = m
			out = append(out, s)
		}
	}
	return out, nil
}

// Load expands args and reads every matched file.
func Load(args []string) ([]File, error) {
	specs, err := Expand(args)
	if err != nil {
		return nil, err
	}
	files := make([]File, 0, len(specs))
	for _, s := range specs {
		f, err := LoadFile(s)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

// LoadFile reads one attachment.
func LoadFile(spec Spec) (File, error) {
	path := spec.Pattern
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read attachment %s: %w", path, err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	f := File{Path: path, Name: filepath.Base(path), Size: len(data)}

	if mt, ok := imageTypes[ext]; ok {
		f.Kind = KindImage
		f.MIME = mt
		f.DataURL = "data:" + mt + ";base64," + base64.StdEncoding.EncodeToString(data)
		return f, nil
	}

	if bytes.IndexByte(data, 0) >= 0 {
		return File{}, fmt.Errorf("attachment %s is a binary file", path)
	}
	f.Kind = KindDocument
	f.MIME = mime.TypeByExtension(ext)
	if f.MIME == "" {
		f.MIME = "text/plain"
	}
	f.Content = string(data)
	if ext == ".html" || ext == ".htm" {
		f.Content = extractHTMLText(bytes.NewReader(data))
	}
	if spec.HasRegion {
		f.Content = ExtractLines(f.Content, spec.StartLine, spec.EndLine)
		f.Path = fmt.Sprintf("%s:%d-%d", path, spec.StartLine, spec.EndLine)
	}
	return f, nil
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

func hasGlobChars(path string) bool {
	return strings.ContainsAny(path, "*?[{")
}
