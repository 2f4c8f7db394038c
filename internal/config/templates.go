package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

type TemplateKind string

const (
	TemplateGateway TemplateKind = "gateway"
	TemplateNodes   TemplateKind = "nodes"
)

const gatewayHeader = `# edgegate gateway config
# p2p_id is generated at startup when left empty.
# listen_port and every nodes entry must be in (1024, 65535].

`

const nodesTemplate = `{
  "nodes": [
    "127.0.0.1:30300",
    "127.0.0.1:30301"
  ]
}
`

func ParseTemplateKind(raw string) (TemplateKind, error) {
	switch TemplateKind(strings.ToLower(strings.TrimSpace(raw))) {
	case TemplateGateway, "":
		return TemplateGateway, nil
	case TemplateNodes:
		return TemplateNodes, nil
	default:
		return "", fmt.Errorf("unknown template kind %q", raw)
	}
}

// Template renders the default file for kind.
func Template(kind TemplateKind) (string, error) {
	switch kind {
	case TemplateGateway:
		b, err := toml.Marshal(Default())
		if err != nil {
			return "", fmt.Errorf("render gateway template: %w", err)
		}
		return gatewayHeader + string(b), nil
	case TemplateNodes:
		return nodesTemplate, nil
	default:
		return "", fmt.Errorf("unknown template kind %q", kind)
	}
}

// WriteTemplate writes the template for kind to path, refusing to replace an
// existing file unless overwrite is set.
func WriteTemplate(path string, kind TemplateKind, overwrite bool) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("template path is required")
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	content, err := Template(kind)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(content), 0o600)
}
