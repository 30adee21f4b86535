package firmware_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"flashguard/internal/config"
	"flashguard/internal/firmware"
	"flashguard/internal/flash"
	"flashguard/internal/testutil"
)

func sources(t *testing.T) map[string]firmware.Source {
	t.Helper()
	fs, err := firmware.NewFileSystemSource(filepath.Join(t.TempDir(), "firmware"))
	if err != nil {
		t.Fatalf("NewFileSystemSource() error = %v", err)
	}
	return map[string]firmware.Source{
		"memory":     firmware.NewMemorySource(),
		"filesystem": fs,
	}
}

func TestSource_PublishFetch(t *testing.T) {
	ctx := context.Background()
	for name, src := range sources(t) {
		t.Run(name, func(t *testing.T) {
			image := testutil.FirmwareImage("2.0.0", 64*1024)
			m := flash.Manifest{Version: "2.0.0", Channel: flash.ChannelStable, HWFamily: "esp32"}
			if err := src.Publish(ctx, m, image); err != nil {
				t.Fatalf("Publish() error = %v", err)
			}

			a, err := src.Fetch(ctx, "2.0.0")
			if err != nil {
				t.Fatalf("Fetch() error = %v", err)
			}
			if a.Version != "2.0.0" || a.HWFamily != "esp32" || a.Channel != flash.ChannelStable {
				t.Errorf("artifact = %+v", a)
			}
			if a.Kind != flash.KindProduction {
				t.Errorf("Kind = %q, want production default", a.Kind)
			}
			if a.DeclaredSize != int64(len(image)) || a.DeclaredSHA256 != testutil.SHA256Hex(image) {
				t.Errorf("declared %d/%s, want filled from the image", a.DeclaredSize, a.DeclaredSHA256)
			}
			if a.HashHex() != a.DeclaredSHA256 {
				t.Error("computed hash differs from manifest")
			}
		})
	}
}

func TestSource_FetchErrors(t *testing.T) {
	ctx := context.Background()
	for name, src := range sources(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := src.Fetch(ctx, "9.9.9"); !errors.Is(err, flash.ErrNotFound) {
				t.Errorf("Fetch(missing) error = %v, want ErrNotFound", err)
			}
			for _, ref := range []string{"", "..", "../etc", "a/b"} {
				if _, err := src.Fetch(ctx, ref); !errors.Is(err, flash.ErrInvalidFirmware) {
					t.Errorf("Fetch(%q) error = %v, want ErrInvalidFirmware", ref, err)
				}
			}
		})
	}
}

func TestSource_PublishRejects(t *testing.T) {
	ctx := context.Background()
	image := testutil.FirmwareImage("2.0.0", 4096)

	tests := []struct {
		name    string
		m       flash.Manifest
		content []byte
	}{
		{"empty image", flash.Manifest{Version: "2.0.0"}, nil},
		{"no version", flash.Manifest{}, image},
		{"wrong size", flash.Manifest{Version: "2.0.0", Size: 1}, image},
		{"wrong hash", flash.Manifest{Version: "2.0.0", SHA256: testutil.SHA256Hex([]byte("x"))}, image},
	}

	for name, src := range sources(t) {
		for _, tt := range tests {
			t.Run(name+"/"+tt.name, func(t *testing.T) {
				err := src.Publish(ctx, tt.m, tt.content)
				if !errors.Is(err, flash.ErrInvalidFirmware) {
					t.Errorf("Publish() error = %v, want ErrInvalidFirmware", err)
				}
			})
		}
	}
}

func TestSource_Versions(t *testing.T) {
	ctx := context.Background()
	for name, src := range sources(t) {
		t.Run(name, func(t *testing.T) {
			for _, v := range []string{"2.0.0", "1.9.0", "2.1.0-beta"} {
				if err := src.Publish(ctx, flash.Manifest{Version: v}, testutil.FirmwareImage(v, 1024)); err != nil {
					t.Fatalf("Publish(%s) error = %v", v, err)
				}
			}
			got, err := src.Versions(ctx)
			if err != nil {
				t.Fatalf("Versions() error = %v", err)
			}
			want := []string{"1.9.0", "2.0.0", "2.1.0-beta"}
			if !slices.Equal(got, want) {
				t.Errorf("Versions() = %v, want %v", got, want)
			}
		})
	}
}

func TestMemorySource_ManifestVersionMismatch(t *testing.T) {
	src := firmware.NewMemorySource()
	src.PutRaw("2.0.0", []byte(`{"version":"3.0.0","sha256":"00"}`), []byte("image"))

	_, err := src.Fetch(context.Background(), "2.0.0")
	if !errors.Is(err, flash.ErrInvalidFirmware) {
		t.Errorf("Fetch() error = %v, want ErrInvalidFirmware", err)
	}
}

func TestFileSystemSource_Layout(t *testing.T) {
	root := t.TempDir()
	src, err := firmware.NewFileSystemSource(root)
	if err != nil {
		t.Fatalf("NewFileSystemSource() error = %v", err)
	}
	image := testutil.FirmwareImage("1.0.0", 2048)
	if err := src.Publish(context.Background(), flash.Manifest{Version: "1.0.0"}, image); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	for _, name := range []string{"manifest.json", "firmware.bin"} {
		if _, err := os.Stat(filepath.Join(root, "1.0.0", name)); err != nil {
			t.Errorf("%s not written: %v", name, err)
		}
	}
	leftovers, _ := filepath.Glob(filepath.Join(root, "1.0.0", ".tmp-*"))
	if len(leftovers) != 0 {
		t.Errorf("temp files left behind: %v", leftovers)
	}
	if err := src.ValidateSetup(); err != nil {
		t.Errorf("ValidateSetup() error = %v", err)
	}

	// A version directory whose manifest is missing is not listed.
	if err := os.Mkdir(filepath.Join(root, "partial"), 0755); err != nil {
		t.Fatal(err)
	}
	got, _ := src.Versions(context.Background())
	if !slices.Equal(got, []string{"1.0.0"}) {
		t.Errorf("Versions() = %v", got)
	}
}

func TestFileSystemSource_CorruptManifest(t *testing.T) {
	root := t.TempDir()
	src, _ := firmware.NewFileSystemSource(root)
	dir := filepath.Join(root, "1.0.0")
	os.MkdirAll(dir, 0755)
	os.WriteFile(filepath.Join(dir, "manifest.json"), []byte("{not json"), 0644)
	os.WriteFile(filepath.Join(dir, "firmware.bin"), []byte("image"), 0644)

	_, err := src.Fetch(context.Background(), "1.0.0")
	if !errors.Is(err, flash.ErrInvalidFirmware) {
		t.Errorf("Fetch() error = %v, want ErrInvalidFirmware", err)
	}
}

func TestNewSourceFromConfig(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		src, err := firmware.NewSourceFromConfig(ctx, config.FirmwareConfig{Type: "memory"})
		if err != nil || src == nil {
			t.Errorf("NewSourceFromConfig() = %v, %v", src, err)
		}
	})

	t.Run("filesystem", func(t *testing.T) {
		src, err := firmware.NewSourceFromConfig(ctx, config.FirmwareConfig{Type: "filesystem", Root: t.TempDir()})
		if err != nil {
			t.Fatalf("NewSourceFromConfig() error = %v", err)
		}
		if _, ok := src.(*firmware.FileSystemSource); !ok {
			t.Errorf("source = %T, want *FileSystemSource", src)
		}
	})

	t.Run("errors", func(t *testing.T) {
		for _, cfg := range []config.FirmwareConfig{
			{Type: "filesystem"},
			{Type: "s3"},
			{Type: "ftp"},
		} {
			if _, err := firmware.NewSourceFromConfig(ctx, cfg); err == nil {
				t.Errorf("NewSourceFromConfig(%+v) expected error", cfg)
			}
		}
	})
}
