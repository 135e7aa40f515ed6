package engine

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
)

const (
	metadataFileName = "ro-crate-metadata.json"
	maxMetadataBytes = 64 << 20
)

var zipMagic = []byte("PK\x03\x04")

// crateInput is the document evaluated by the profiles.
type crateInput struct {
	Metadata     any      `json:"metadata"`
	Files        []string `json:"files"`
	MetadataOnly bool     `json:"metadata_only"`
}

// findings are problems of the crate itself found while reading it. They are
// reported as issues rather than evaluated.
type finding struct {
	check   string
	message string
}

func isZip(content []byte) bool {
	return bytes.HasPrefix(content, zipMagic)
}

func looksLikeJSON(content []byte) bool {
	trimmed := bytes.TrimLeft(content, " \t\r\n\uFEFF")
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}

// readCrate turns content into a profile input. A zip archive is searched for
// its shallowest ro-crate-metadata.json, whose directory is the crate root.
// A bare JSON document is treated as a metadata-only crate.
func readCrate(content []byte) (*crateInput, *finding, error) {
	switch {
	case isZip(content):
		return readArchive(content)
	case looksLikeJSON(content):
		metadata, f := parseMetadata(content)
		return &crateInput{Metadata: metadata, Files: []string{}, MetadataOnly: true}, f, nil
	default:
		return nil, nil, ErrUnsupportedContent
	}
}

func readArchive(content []byte) (*crateInput, *finding, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnreadableContent, err)
	}

	var metadataFile *zip.File
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || strings.HasPrefix(f.Name, "__MACOSX/") {
			continue
		}
		if path.Base(f.Name) != metadataFileName {
			continue
		}
		if metadataFile == nil || depth(f.Name) < depth(metadataFile.Name) {
			metadataFile = f
		}
	}

	if metadataFile == nil {
		return &crateInput{Metadata: nil, Files: []string{}}, &finding{
			check:   "metadata_file_present",
			message: "The crate does not contain a ro-crate-metadata.json file",
		}, nil
	}

	root := path.Dir(metadataFile.Name)
	prefix := ""
	if root != "." {
		prefix = root + "/"
	}

	files := []string{}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !strings.HasPrefix(f.Name, prefix) || f == metadataFile {
			continue
		}
		files = append(files, strings.TrimPrefix(f.Name, prefix))
	}
	sort.Strings(files)

	rc, err := metadataFile.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnreadableContent, err)
	}
	defer rc.Close()

	raw, err := io.ReadAll(io.LimitReader(rc, maxMetadataBytes+1))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnreadableContent, err)
	}
	if len(raw) > maxMetadataBytes {
		return nil, nil, fmt.Errorf("%w: metadata file exceeds %d bytes", ErrUnreadableContent, maxMetadataBytes)
	}

	metadata, f := parseMetadata(raw)
	return &crateInput{Metadata: metadata, Files: files}, f, nil
}

func parseMetadata(raw []byte) (any, *finding) {
	var metadata any
	if err := json.Unmarshal(bytes.TrimPrefix(raw, []byte("\uFEFF")), &metadata); err != nil {
		return nil, &finding{
			check:   "metadata_json",
			message: fmt.Sprintf("ro-crate-metadata.json is not valid JSON: %v", err),
		}
	}
	return metadata, nil
}

func depth(name string) int {
	return strings.Count(name, "/")
}
