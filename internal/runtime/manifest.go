package runtime

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Labels attached to containers and snapshot images owned by the fixture.
const (
	// LabelManaged marks resources this tool created.
	LabelManaged = "dbsnap.managed"
	// LabelManifest carries the full snapshot manifest as YAML.
	LabelManifest = "dbsnap.manifest"
	// LabelSchemaHash duplicates the manifest's schema hash for quick
	// filtering without parsing YAML.
	LabelSchemaHash = "dbsnap.schema-hash"
)

// Manifest records how a snapshot image was produced. It rides on the image
// as labels, so deciding whether a snapshot is reusable needs nothing beyond
// the local image list.
type Manifest struct {
	SchemaHash string    `yaml:"schema_hash"`
	BaseImage  string    `yaml:"base_image"`
	Database   string    `yaml:"database"`
	CreatedAt  time.Time `yaml:"created_at"`
}

// Labels serializes the manifest into image labels.
func (m Manifest) Labels() (map[string]string, error) {
	encoded, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot manifest: %w", err)
	}
	return map[string]string{
		LabelManaged:    "true",
		LabelManifest:   string(encoded),
		LabelSchemaHash: m.SchemaHash,
	}, nil
}

// ManifestFromLabels reads a manifest back from image labels. Images without
// a manifest label (built by hand, or by an older version of this tool)
// yield a zero manifest without error.
func ManifestFromLabels(labels map[string]string) (Manifest, error) {
	var m Manifest
	encoded, ok := labels[LabelManifest]
	if !ok || encoded == "" {
		return m, nil
	}
	if err := yaml.Unmarshal([]byte(encoded), &m); err != nil {
		return Manifest{}, fmt.Errorf("failed to decode snapshot manifest: %w", err)
	}
	return m, nil
}

// SchemaHash digests the init script contents in order. Two runs configured
// with byte-identical scripts produce the same hash, which is how a snapshot
// built by an earlier run is recognized as still matching the schema. With
// no scripts configured the hash is empty.
func SchemaHash(scripts []string) (string, error) {
	if len(scripts) == 0 {
		return "", nil
	}

	h := sha256.New()
	var sizeBuf [8]byte
	for _, script := range scripts {
		content, err := os.ReadFile(script)
		if err != nil {
			return "", fmt.Errorf("failed to read init script %s: %w", script, err)
		}
		// Length prefix keeps concatenation unambiguous across script
		// boundaries.
		binary.BigEndian.PutUint64(sizeBuf[:], uint64(len(content)))
		h.Write(sizeBuf[:])
		h.Write(content)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
