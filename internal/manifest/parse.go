package manifest

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/fyrsmithlabs/specflow/internal/workflow"
)

// maxManifestSize caps manifest files at 1 MiB.
const maxManifestSize = 1 << 20

// Format is a manifest encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatTOML Format = "toml"
)

// FormatFromPath picks the format by file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("unsupported manifest extension %q (want .yaml, .yml, .json or .toml)", filepath.Ext(path))
	}
}

// ParseFile reads and decodes the manifest at path.
func ParseFile(path string) (*Definition, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, &workflow.ManifestError{Manifest: path, Err: err}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &workflow.ManifestError{Manifest: path, Err: fmt.Errorf("manifest file not found: %w", err)}
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxManifestSize+1))
	if err != nil {
		return nil, &workflow.ManifestError{Manifest: path, Err: fmt.Errorf("reading manifest: %w", err)}
	}
	if len(data) > maxManifestSize {
		return nil, &workflow.ManifestError{Manifest: path, Err: fmt.Errorf("manifest too large: over %d bytes", maxManifestSize)}
	}

	def, err := Parse(data, format)
	if err != nil {
		return nil, &workflow.ManifestError{Manifest: path, Err: err}
	}
	return def, nil
}

// keyDelim cannot occur in a YAML key, so dotted step and policy ids stay
// whole and reach id validation.
const keyDelim = "\x00"

// Parse decodes data in the given format. JSON goes through the YAML
// parser, which accepts it unchanged.
func Parse(data []byte, format Format) (*Definition, error) {
	var def Definition
	switch format {
	case FormatYAML, FormatJSON:
		k := koanf.New(keyDelim)
		if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", format, err)
		}
		if err := k.UnmarshalWithConf("", &def, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
			return nil, fmt.Errorf("decoding manifest: %w", err)
		}
	case FormatTOML:
		if _, err := toml.Decode(string(data), &def); err != nil {
			return nil, fmt.Errorf("invalid toml: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported manifest format %q", format)
	}
	return &def, nil
}
