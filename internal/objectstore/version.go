package objectstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
)

type Layout string

const (
	// LayoutArchive is a crate stored as the single object <root>/<id>.zip.
	LayoutArchive Layout = "zip"
	// LayoutDirectory is a crate stored as objects under <root>/<id>/.
	LayoutDirectory Layout = "dir"
)

const (
	etagPrefix        = "etag:"
	manifestSeparator = "#"
)

// Version pins the object a job validates. For directory crates it pins the
// metadata document, and Manifest fingerprints the other files of the crate.
// Buckets without versioning are pinned by ETag.
type Version struct {
	Layout    Layout
	VersionID string
	ETag      string
	Manifest  string
}

func (v Version) String() string {
	s := fmt.Sprintf("%s:%s", v.Layout, v.VersionID)
	if v.VersionID == "" {
		s = fmt.Sprintf("%s:%s%s", v.Layout, etagPrefix, v.ETag)
	}
	if v.Manifest != "" {
		s += manifestSeparator + v.Manifest
	}
	return s
}

func ParseVersion(s string) (Version, error) {
	layout, rest, ok := strings.Cut(s, ":")
	if !ok || rest == "" {
		return Version{}, fmt.Errorf("malformed version %q", s)
	}

	v := Version{Layout: Layout(layout)}
	if v.Layout != LayoutArchive && v.Layout != LayoutDirectory {
		return Version{}, fmt.Errorf("unknown crate layout %q", layout)
	}

	if i := strings.LastIndex(rest, manifestSeparator); i >= 0 {
		rest, v.Manifest = rest[:i], rest[i+1:]
		if rest == "" || v.Manifest == "" {
			return Version{}, fmt.Errorf("malformed version %q", s)
		}
	}

	if etag, found := strings.CutPrefix(rest, etagPrefix); found {
		v.ETag = etag
	} else {
		v.VersionID = rest
	}
	return v, nil
}

// manifest fingerprints the payload files of a directory crate by key and ETag.
func manifest(objects []minio.ObjectInfo) string {
	entries := make([]string, 0, len(objects))
	for _, obj := range objects {
		entries = append(entries, obj.Key+"\x00"+obj.ETag)
	}
	sort.Strings(entries)

	h := sha256.New()
	for _, e := range entries {
		h.Write([]byte(e))
		h.Write([]byte("\n"))
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}
