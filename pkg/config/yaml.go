package config

import (
	"bytes"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// YAMLLimits bounds the resources a config document may consume.
type YAMLLimits struct {
	MaxFileSize  int64 // bytes
	MaxDepth     int
	MaxNodes     int
	MaxKeyLength int   // bytes
	MaxValueSize int64 // bytes
}

// DefaultYAMLLimits returns the limits applied to config files.
func DefaultYAMLLimits() YAMLLimits {
	return YAMLLimits{
		MaxFileSize:  1 << 20,
		MaxDepth:     20,
		MaxNodes:     10000,
		MaxKeyLength: 256,
		MaxValueSize: 64 << 10,
	}
}

// decodeYAML validates the structure of data against limits before
// unmarshaling it into v. Aliases are expanded during validation, so a
// billion-laughs document trips the node limit.
func decodeYAML(data []byte, limits YAMLLimits, v any) error {
	if int64(len(data)) > limits.MaxFileSize {
		return fmt.Errorf("config too large: %d bytes exceeds maximum %d", len(data), limits.MaxFileSize)
	}

	var root yaml.Node
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&root); err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("parse config: %w", err)
	}

	w := &yamlWalker{limits: limits}
	if err := w.walk(&root, 0); err != nil {
		return err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// readYAML reads at most limits.MaxFileSize+1 bytes from r and decodes them.
func readYAML(r io.Reader, limits YAMLLimits, v any) error {
	data, err := io.ReadAll(io.LimitReader(r, limits.MaxFileSize+1))
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	return decodeYAML(data, limits, v)
}

type yamlWalker struct {
	limits YAMLLimits
	nodes  int
}

func (w *yamlWalker) walk(node *yaml.Node, depth int) error {
	if depth > w.limits.MaxDepth {
		return fmt.Errorf("config nesting depth %d exceeds maximum %d", depth, w.limits.MaxDepth)
	}
	w.nodes++
	if w.nodes > w.limits.MaxNodes {
		return fmt.Errorf("config node count exceeds maximum %d", w.limits.MaxNodes)
	}

	switch node.Kind {
	case yaml.DocumentNode:
		for _, child := range node.Content {
			if err := w.walk(child, depth); err != nil {
				return err
			}
		}
	case yaml.MappingNode:
		if len(node.Content)%2 != 0 {
			return fmt.Errorf("invalid mapping at line %d", node.Line)
		}
		for i := 0; i < len(node.Content); i += 2 {
			key := node.Content[i]
			if len(key.Value) > w.limits.MaxKeyLength {
				return fmt.Errorf("config key at line %d exceeds %d bytes", key.Line, w.limits.MaxKeyLength)
			}
			if err := w.walk(key, depth+1); err != nil {
				return err
			}
			if err := w.walk(node.Content[i+1], depth+1); err != nil {
				return err
			}
		}
	case yaml.SequenceNode:
		for _, child := range node.Content {
			if err := w.walk(child, depth+1); err != nil {
				return err
			}
		}
	case yaml.ScalarNode:
		if int64(len(node.Value)) > w.limits.MaxValueSize {
			return fmt.Errorf("config value at line %d exceeds %d bytes", node.Line, w.limits.MaxValueSize)
		}
	case yaml.AliasNode:
		if node.Alias != nil {
			return w.walk(node.Alias, depth+1)
		}
	}
	return nil
}
