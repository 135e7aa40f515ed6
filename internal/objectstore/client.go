package objectstore

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"

	"github.com/kubev2v/crate-validator/pkg/log"
)

// Client reads crates from a single bucket. It is built per request from the
// connection parameters supplied by the caller.
type Client struct {
	cfg    *clientConfig
	bucket bucketAPI
	logger *log.StructuredLogger
}

func New(opts ...ClientOpts) (*Client, error) {
	cfg := newConfig(opts...)
	if cfg.endpoint == "" || cfg.bucket == "" {
		return nil, errors.New("object store endpoint and bucket are required")
	}

	b, err := newMinioBucket(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating object store client: %w", err)
	}
	return newClient(cfg, b), nil
}

func newClient(cfg *clientConfig, b bucketAPI) *Client {
	return &Client{cfg: cfg, bucket: b, logger: log.NewDebugLogger("object_store")}
}

func (c *Client) Bucket() string {
	return c.cfg.bucket
}

// ResolveVersion finds the crate under rootPath and returns the version to pin.
// The archive <id>.zip takes precedence over the directory <id>/. When requested
// is set, only that version is accepted.
func (c *Client) ResolveVersion(ctx context.Context, rootPath, crateID, requested string) (Version, error) {
	tracer := c.logger.WithContext(ctx).
		Operation("resolve_version").
		WithString("bucket", c.cfg.bucket).
		WithString("root_path", rootPath).
		WithString("crate_id", crateID).
		WithString("requested", requested).
		Build()

	candidates := []struct {
		layout Layout
		key    string
	}{
		{LayoutArchive, archiveKey(rootPath, crateID)},
		{LayoutDirectory, metadataKey(rootPath, crateID)},
	}

	for _, candidate := range candidates {
		info, err := c.bucket.StatObject(ctx, candidate.key, minio.StatObjectOptions{VersionID: requested})
		if err != nil {
			if isMissing(err, requested != "") {
				tracer.Step("candidate_missing").WithString("key", candidate.key).Log()
				continue
			}
			tracer.Error(err).WithString("key", candidate.key).Log()
			return Version{}, newRetrievalError(candidate.key, requested, retrievalReason(err), err)
		}

		v := Version{Layout: candidate.layout, VersionID: info.VersionID, ETag: info.ETag}
		if v.VersionID == "" && v.ETag == "" {
			return Version{}, newRetrievalError(candidate.key, requested, "object has neither version id nor etag", nil)
		}
		if v.Layout == LayoutDirectory {
			payload, err := c.listPayload(ctx, rootPath, crateID)
			if err != nil {
				tracer.Error(err).Log()
				return Version{}, newRetrievalError(directoryPrefix(rootPath, crateID), requested, retrievalReason(err), err)
			}
			v.Manifest = manifest(payload)
		}
		tracer.Success().WithString("key", candidate.key).WithString("version", v.String()).Log()
		return v, nil
	}

	tracer.Step("not_found").Log()
	if requested != "" {
		return Version{}, fmt.Errorf("%w: %s at version %s", ErrCrateNotFound, crateID, requested)
	}
	return Version{}, fmt.Errorf("%w: %s", ErrCrateNotFound, crateID)
}

// FetchContent returns the crate bytes at version v. Directory crates are
// returned as a zip archive rooted at the crate directory.
func (c *Client) FetchContent(ctx context.Context, rootPath, crateID string, v Version) ([]byte, error) {
	tracer := c.logger.WithContext(ctx).
		Operation("fetch_content").
		WithString("bucket", c.cfg.bucket).
		WithString("crate_id", crateID).
		WithString("version", v.String()).
		Build()

	var (
		content []byte
		err     error
	)
	switch v.Layout {
	case LayoutArchive:
		content, err = c.readPinned(ctx, archiveKey(rootPath, crateID), v)
	case LayoutDirectory:
		content, err = c.readDirectory(ctx, rootPath, crateID, v)
	default:
		err = newRetrievalError(crateID, v.String(), "unknown crate layout", nil)
	}
	if err != nil {
		tracer.Error(err).Log()
		return nil, err
	}

	tracer.Success().WithInt("bytes", len(content)).Log()
	return content, nil
}

// PublishReport stores the report next to the crate as
// <root>/<id>_validation/validation_status.json.
func (c *Client) PublishReport(ctx context.Context, rootPath, crateID string, report []byte) error {
	key := reportKey(rootPath, crateID)
	if err := c.bucket.PutObject(ctx, key, report, "application/json"); err != nil {
		return fmt.Errorf("publishing report to %s: %w", key, err)
	}
	c.logger.WithContext(ctx).Operation("publish_report").WithString("key", key).Build().Success().Log()
	return nil
}

func (c *Client) readPinned(ctx context.Context, key string, v Version) ([]byte, error) {
	opts := minio.GetObjectOptions{VersionID: v.VersionID}
	if v.VersionID == "" {
		if err := opts.SetMatchETag(v.ETag); err != nil {
			return nil, newRetrievalError(key, v.String(), "invalid etag", err)
		}
	}
	return c.read(ctx, key, v.String(), opts)
}

func (c *Client) read(ctx context.Context, key, version string, opts minio.GetObjectOptions) ([]byte, error) {
	object, err := c.bucket.GetObject(ctx, key, opts)
	if err != nil {
		return nil, newRetrievalError(key, version, retrievalReason(err), err)
	}
	defer object.Close()

	content, err := io.ReadAll(io.LimitReader(object, c.cfg.maxBytes+1))
	if err != nil {
		return nil, newRetrievalError(key, version, retrievalReason(err), err)
	}
	if int64(len(content)) > c.cfg.maxBytes {
		return nil, newRetrievalError(key, version, fmt.Sprintf("content exceeds %d bytes", c.cfg.maxBytes), nil)
	}
	return content, nil
}

// listPayload lists the files of a directory crate other than its metadata document.
func (c *Client) listPayload(ctx context.Context, rootPath, crateID string) ([]minio.ObjectInfo, error) {
	metaKey := metadataKey(rootPath, crateID)
	objects, err := c.bucket.ListObjects(ctx, directoryPrefix(rootPath, crateID))
	if err != nil {
		return nil, err
	}

	payload := make([]minio.ObjectInfo, 0, len(objects))
	for _, obj := range objects {
		if obj.Key == metaKey || strings.HasSuffix(obj.Key, "/") {
			continue
		}
		payload = append(payload, obj)
	}
	return payload, nil
}

// readDirectory zips every object under <root>/<id>/. The metadata document is
// read at the pinned version. The other files must still match the manifest
// taken at resolution and are each read at the version that was listed.
func (c *Client) readDirectory(ctx context.Context, rootPath, crateID string, v Version) ([]byte, error) {
	prefix := directoryPrefix(rootPath, crateID)

	metadata, err := c.readPinned(ctx, metadataKey(rootPath, crateID), v)
	if err != nil {
		return nil, err
	}

	payload, err := c.listPayload(ctx, rootPath, crateID)
	if err != nil {
		return nil, newRetrievalError(prefix, v.String(), retrievalReason(err), err)
	}
	if v.Manifest != "" && manifest(payload) != v.Manifest {
		return nil, newRetrievalError(prefix, v.String(), "crate files changed since submission", nil)
	}

	buf := new(bytes.Buffer)
	zw := zip.NewWriter(buf)
	total := int64(len(metadata))

	if err := writeEntry(zw, metadataFileName, metadata); err != nil {
		return nil, newRetrievalError(prefix, v.String(), "building archive", err)
	}

	for _, obj := range payload {
		total += obj.Size
		if total > c.cfg.maxBytes {
			return nil, newRetrievalError(prefix, v.String(), fmt.Sprintf("content exceeds %d bytes", c.cfg.maxBytes), nil)
		}

		data, err := c.readPinned(ctx, obj.Key, Version{VersionID: obj.VersionID, ETag: obj.ETag})
		if err != nil {
			return nil, err
		}
		if err := writeEntry(zw, strings.TrimPrefix(obj.Key, prefix), data); err != nil {
			return nil, newRetrievalError(obj.Key, v.String(), "building archive", err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, newRetrievalError(prefix, v.String(), "building archive", err)
	}
	return buf.Bytes(), nil
}

func writeEntry(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func cleanRoot(rootPath string) string {
	return strings.Trim(rootPath, "/")
}

func archiveKey(rootPath, crateID string) string {
	return path.Join(cleanRoot(rootPath), crateID+".zip")
}

func directoryPrefix(rootPath, crateID string) string {
	return path.Join(cleanRoot(rootPath), crateID) + "/"
}

func metadataKey(rootPath, crateID string) string {
	return path.Join(cleanRoot(rootPath), crateID, metadataFileName)
}

func reportKey(rootPath, crateID string) string {
	return path.Join(cleanRoot(rootPath), crateID+"_validation", reportFileName)
}
