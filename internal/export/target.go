package export

import (
	"fmt"
	"path"
	"strings"
)

// Target is the kind of export destination
type Target string

const (
	TargetGCS   Target = "gcs"
	TargetDrive Target = "drive"
)

// FileFormat is the only table format produced
const FileFormat = "TF_RECORD_TABLE"

// FileExtension is appended to exported file names
const FileExtension = ".tfrecord"

// ParseTarget validates a target identifier
func ParseTarget(s string) (Target, error) {
	switch Target(s) {
	case TargetGCS, TargetDrive:
		return Target(s), nil
	}
	return "", &UnsupportedExportTargetError{Target: s}
}

// Destination is where an export writes its file
type Destination struct {
	Target   Target
	Bucket   string // gcs only
	Prefix   string // folder, no trailing '/'
	FileName string // without extension
}

// NewDestination validates the target and its parameters
func NewDestination(target, bucket, prefix, fileName string) (Destination, error) {
	t, err := ParseTarget(target)
	if err != nil {
		return Destination{}, err
	}
	if fileName == "" {
		return Destination{}, fmt.Errorf("export file name is required")
	}
	if t == TargetGCS && bucket == "" {
		return Destination{}, fmt.Errorf("gcs export requires a bucket")
	}
	return Destination{
		Target:   t,
		Bucket:   bucket,
		Prefix:   strings.TrimSuffix(prefix, "/"),
		FileName: fileName,
	}, nil
}

// FileNamePrefix is the object path without extension. For Drive the
// folder is passed separately.
func (d Destination) FileNamePrefix() string {
	if d.Target == TargetGCS && d.Prefix != "" {
		return path.Join(d.Prefix, d.FileName)
	}
	return d.FileName
}

// Folder is the Drive folder; empty for GCS
func (d Destination) Folder() string {
	if d.Target == TargetDrive {
		return d.Prefix
	}
	return ""
}

// URI is the human-readable location of the exported file:
// gs://bucket/prefix/fname.tfrecord or prefix/fname.tfrecord.
func (d Destination) URI() string {
	rel := d.FileName + FileExtension
	if d.Prefix != "" {
		rel = path.Join(d.Prefix, rel)
	}
	if d.Target == TargetGCS {
		return "gs://" + path.Join(d.Bucket, rel)
	}
	return rel
}
