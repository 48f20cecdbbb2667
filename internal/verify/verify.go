// Package verify checks that completed exports actually produced output.
package verify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"sustainbench-ee/internal/export"
	"sustainbench-ee/pkg/tfrecord"
)

// ErrNoOutput means a completed export left nothing at its destination
var ErrNoOutput = errors.New("export produced no output")

// Result summarizes what was found for one task
type Result struct {
	URI     string
	Objects int
	Bytes   int64
	Records int // -1 when records were not counted
}

// Verifier inspects the destination of a completed task
type Verifier interface {
	Verify(ctx context.Context, task *export.ExportTask) (Result, error)
}

// GCSVerifier lists the objects an Earth Engine export wrote to a bucket.
// Large exports are sharded, so every shard of the file name counts.
type GCSVerifier struct {
	client *storage.Client
}

// NewGCSVerifier uses an existing storage client
func NewGCSVerifier(client *storage.Client) *GCSVerifier {
	return &GCSVerifier{client: client}
}

func (v *GCSVerifier) Verify(ctx context.Context, task *export.ExportTask) (Result, error) {
	dest := task.Destination()
	if dest.Target != export.TargetGCS {
		return Result{}, fmt.Errorf("cannot verify %s exports", dest.Target)
	}
	prefix := dest.FileNamePrefix()
	res := Result{URI: dest.URI(), Records: -1}

	it := v.client.Bucket(dest.Bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return res, fmt.Errorf("failed to list gs://%s/%s: %w", dest.Bucket, prefix, err)
		}
		if !IsExportObject(attrs.Name, prefix) {
			continue
		}
		res.Objects++
		res.Bytes += attrs.Size
	}
	if res.Objects == 0 {
		return res, ErrNoOutput
	}
	return res, nil
}

var shardPattern = regexp.MustCompile(`^-\d+(-of-\d+)?$`)

// IsExportObject reports whether object name was written for the export
// file name prefix: either prefix.tfrecord or a shard such as
// prefix-00001-of-00004.tfrecord, optionally compressed (.gz). Exports whose
// names merely start with prefix, like ng_2015_100 for ng_2015_10, do not
// match.
func IsExportObject(name, prefix string) bool {
	rest, ok := strings.CutPrefix(name, prefix)
	if !ok {
		return false
	}
	i := strings.Index(rest, export.FileExtension)
	if i < 0 {
		return false
	}
	if shard := rest[:i]; shard != "" && !shardPattern.MatchString(shard) {
		return false
	}
	switch rest[i+len(export.FileExtension):] {
	case "", ".gz":
		return true
	}
	return false
}

// LocalVerifier reads TFRecord files written by the offline backend and
// validates every record checksum.
type LocalVerifier struct {
	Path func(export.Destination) string
}

func (v LocalVerifier) Verify(_ context.Context, task *export.ExportTask) (Result, error) {
	path := v.Path(task.Destination())
	res := Result{URI: path}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return res, ErrNoOutput
	}
	if err != nil {
		return res, err
	}
	defer f.Close()

	if st, err := f.Stat(); err == nil {
		res.Bytes = st.Size()
	}
	res.Objects = 1

	r := tfrecord.NewReader(f)
	for {
		if _, err := r.Next(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return res, fmt.Errorf("%s record %d: %w", path, res.Records, err)
		}
		res.Records++
	}
	return res, nil
}
