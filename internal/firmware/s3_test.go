package firmware_test

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"flashguard/internal/config"
	"flashguard/internal/firmware"
	"flashguard/internal/flash"
	"flashguard/internal/testutil"
)

// fakeS3 serves GetObject and ListObjectsV2 for one bucket with path-style
// addressing.
type fakeS3 struct {
	bucket string

	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) put(key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")
	bucket, key, _ := strings.Cut(path, "/")
	if bucket != f.bucket {
		http.Error(w, "no such bucket", http.StatusNotFound)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if key == "" && r.URL.Query().Get("list-type") == "2" {
		f.list(w, r.URL.Query().Get("prefix"))
		return
	}
	data, ok := f.objects[key]
	if !ok || r.Method != http.MethodGet {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`))
		return
	}
	http.ServeContent(w, r, key, time.Time{}, bytes.NewReader(data))
}

func (f *fakeS3) list(w http.ResponseWriter, prefix string) {
	type object struct {
		Key  string `xml:"Key"`
		Size int    `xml:"Size"`
	}
	type result struct {
		XMLName     xml.Name `xml:"ListBucketResult"`
		Name        string   `xml:"Name"`
		Prefix      string   `xml:"Prefix"`
		KeyCount    int      `xml:"KeyCount"`
		MaxKeys     int      `xml:"MaxKeys"`
		IsTruncated bool     `xml:"IsTruncated"`
		Contents    []object `xml:"Contents"`
	}
	res := result{Name: f.bucket, Prefix: prefix, MaxKeys: 1000}
	for k, v := range f.objects {
		if strings.HasPrefix(k, prefix) {
			res.Contents = append(res.Contents, object{Key: k, Size: len(v)})
		}
	}
	sort.Slice(res.Contents, func(i, j int) bool { return res.Contents[i].Key < res.Contents[j].Key })
	res.KeyCount = len(res.Contents)

	w.Header().Set("Content-Type", "application/xml")
	w.Write([]byte(xml.Header))
	xml.NewEncoder(w).Encode(res)
}

func newS3Source(t *testing.T, prefix string) (*firmware.S3Source, *fakeS3) {
	t.Helper()
	fake := &fakeS3{bucket: "firmware", objects: make(map[string][]byte)}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	t.Setenv("AWS_CONFIG_FILE", "/nonexistent")
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", "/nonexistent")
	src, err := firmware.NewS3SourceFromConfig(context.Background(), config.FirmwareConfig{
		Type:              "s3",
		S3Bucket:          "firmware",
		S3Prefix:          prefix,
		S3Region:          "us-east-1",
		S3Endpoint:        srv.URL,
		S3AccessKeyID:     "test-access-key",
		S3SecretAccessKey: "test-secret-key",
	})
	if err != nil {
		t.Fatalf("NewS3SourceFromConfig() error = %v", err)
	}
	return src, fake
}

func TestS3Source_Fetch(t *testing.T) {
	src, fake := newS3Source(t, "builds/")
	image := testutil.FirmwareImage("2.0.0", 32*1024)
	fake.put("builds/2.0.0/firmware.bin", image)
	fake.put("builds/2.0.0/manifest.json", []byte(`{"version":"2.0.0","channel":"stable","hw_family":"esp32","sha256":"`+testutil.SHA256Hex(image)+`"}`))

	a, err := src.Fetch(context.Background(), "2.0.0")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if !bytes.Equal(a.Content, image) {
		t.Error("downloaded image differs")
	}
	if a.HashHex() != a.DeclaredSHA256 || a.HWFamily != "esp32" {
		t.Errorf("artifact = %+v", a)
	}
}

func TestS3Source_FetchMissing(t *testing.T) {
	src, _ := newS3Source(t, "")

	_, err := src.Fetch(context.Background(), "1.0.0")
	if !errors.Is(err, flash.ErrNotFound) {
		t.Errorf("Fetch() error = %v, want ErrNotFound", err)
	}
}

func TestS3Source_Versions(t *testing.T) {
	src, fake := newS3Source(t, "builds")
	fake.put("builds/1.0.0/manifest.json", []byte("{}"))
	fake.put("builds/1.0.0/firmware.bin", []byte("a"))
	fake.put("builds/2.0.0/manifest.json", []byte("{}"))
	fake.put("builds/2.1.0/firmware.bin", []byte("no manifest yet"))
	fake.put("other/3.0.0/manifest.json", []byte("{}"))

	got, err := src.Versions(context.Background())
	if err != nil {
		t.Fatalf("Versions() error = %v", err)
	}
	if want := []string{"1.0.0", "2.0.0"}; !slices.Equal(got, want) {
		t.Errorf("Versions() = %v, want %v", got, want)
	}
}
