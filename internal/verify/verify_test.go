package verify

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"sustainbench-ee/internal/export"
	"sustainbench-ee/pkg/tfrecord"
)

func writeRecords(t *testing.T, path string, n int) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	w := tfrecord.NewWriter(f)
	for i := 0; i < n; i++ {
		ex := tfrecord.Example{"i": {Ints: []int64{int64(i)}}}
		if err := w.Write(ex.Marshal()); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
}

func localTask(t *testing.T) (*export.ExportTask, LocalVerifier, string) {
	t.Helper()
	dir := t.TempDir()
	dest, err := export.NewDestination("drive", "", "out", "ng_2015_00")
	if err != nil {
		t.Fatal(err)
	}
	task := export.NewExportTask("", "op", dest, nil, time.Now())
	path := filepath.Join(dir, dest.FileName+export.FileExtension)
	return task, LocalVerifier{Path: func(export.Destination) string { return path }}, path
}

func TestLocalVerifierCountsRecords(t *testing.T) {
	task, v, path := localTask(t)
	writeRecords(t, path, 3)

	res, err := v.Verify(context.Background(), task)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Records != 3 || res.Objects != 1 || res.Bytes == 0 {
		t.Fatalf("result = %+v", res)
	}
}

func TestLocalVerifierMissingFile(t *testing.T) {
	task, v, _ := localTask(t)
	if _, err := v.Verify(context.Background(), task); !errors.Is(err, ErrNoOutput) {
		t.Fatalf("err = %v, want ErrNoOutput", err)
	}
}

func TestLocalVerifierDetectsCorruption(t *testing.T) {
	task, v, path := localTask(t)
	writeRecords(t, path, 2)
	data, _ := os.ReadFile(path)
	data[len(data)-6] ^= 0xff
	os.WriteFile(path, data, 0644)

	if _, err := v.Verify(context.Background(), task); !errors.Is(err, tfrecord.ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
}

func TestGCSVerifierRejectsDrive(t *testing.T) {
	task, _, _ := localTask(t)
	if _, err := NewGCSVerifier(nil).Verify(context.Background(), task); err == nil {
		t.Fatalf("expected an error for a drive task")
	}
}

func TestIsExportObject(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"dhs/ng_2015_10.tfrecord", true},
		{"dhs/ng_2015_10.tfrecord.gz", true},
		{"dhs/ng_2015_10-00000-of-00003.tfrecord.gz", true},
		{"dhs/ng_2015_10-00002.tfrecord", true},
		{"dhs/ng_2015_100.tfrecord.gz", false},
		{"dhs/ng_2015_101-00000-of-00002.tfrecord", false},
		{"dhs/ng_2015_10_old.tfrecord", false},
		{"dhs/ng_2015_10.tfrecord.json", false},
		{"dhs/ng_2015_10.csv", false},
		{"other/ng_2015_10.tfrecord", false},
	}
	for _, tt := range tests {
		if got := IsExportObject(tt.name, "dhs/ng_2015_10"); got != tt.want {
			t.Errorf("IsExportObject(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}
