// Package firmware resolves firmware versions to artifacts. Every source
// uses the same layout: a directory (or key prefix) per version holding
// manifest.json and firmware.bin.
package firmware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"flashguard/internal/flash"
)

const (
	manifestName = "manifest.json"
	imageName    = "firmware.bin"
)

// Source is a firmware source that can also be published to and listed.
type Source interface {
	flash.FirmwareSource

	// Publish stores an image and its manifest. Size and SHA256 are filled
	// from content when the manifest leaves them empty.
	Publish(ctx context.Context, m flash.Manifest, content []byte) error

	// Versions lists the published versions in lexical order.
	Versions(ctx context.Context) ([]string, error)
}

// validateRef rejects references that cannot name a single version.
func validateRef(ref string) error {
	if ref == "" || ref == "." || ref == ".." || strings.ContainsAny(ref, `/\`) {
		return fmt.Errorf("%w: invalid firmware reference %q", flash.ErrInvalidFirmware, ref)
	}
	return nil
}

// completeManifest fills Size and SHA256 from content and checks that a
// manifest written for content describes it.
func completeManifest(m flash.Manifest, content []byte) (flash.Manifest, error) {
	if err := validateRef(m.Version); err != nil {
		return m, err
	}
	if len(content) == 0 {
		return m, fmt.Errorf("%w: firmware image is empty", flash.ErrInvalidFirmware)
	}
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])
	if m.Size == 0 {
		m.Size = int64(len(content))
	}
	if m.SHA256 == "" {
		m.SHA256 = hash
	}
	if m.Size != int64(len(content)) || !strings.EqualFold(m.SHA256, hash) {
		return m, fmt.Errorf("%w: manifest for %s does not describe the image", flash.ErrInvalidFirmware, m.Version)
	}
	return m, nil
}

func encodeManifest(m flash.Manifest) ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	return append(data, '\n'), nil
}

// buildArtifact decodes a manifest and pairs it with the image. The
// manifest's version must match the reference it was fetched under.
func buildArtifact(ref string, manifest, content []byte) (*flash.FirmwareArtifact, error) {
	var m flash.Manifest
	dec := json.NewDecoder(bytes.NewReader(manifest))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: decoding manifest for %s: %v", flash.ErrInvalidFirmware, ref, err)
	}
	if m.Version != ref {
		return nil, fmt.Errorf("%w: manifest under %s declares version %q", flash.ErrInvalidFirmware, ref, m.Version)
	}
	return flash.NewFirmwareArtifact(m, content)
}
