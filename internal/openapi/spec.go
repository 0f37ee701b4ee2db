// Package openapi serves the API description of the nimkit server.
package openapi

import (
	_ "embed"
	"sync"

	"sigs.k8s.io/yaml"
)

//go:embed spec.yaml
var specYAML []byte

var (
	jsonOnce sync.Once
	specJSON []byte
	jsonErr  error
)

// JSON returns the OpenAPI document serialized as JSON.
func JSON() ([]byte, error) {
	jsonOnce.Do(func() {
		specJSON, jsonErr = yaml.YAMLToJSON(specYAML)
	})
	return specJSON, jsonErr
}

// YAML returns the raw OpenAPI YAML document.
func YAML() []byte {
	return specYAML
}
