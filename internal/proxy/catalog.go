package proxy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Catalog is the on-disk provider list.
//
//	active: residential
//	providers:
//	  - name: residential
//	    kind: socket
//	    scheme: socks5
//	    address: gate.example.net:7000
//	    username: ${PROXY_USER}
//	    password: ${PROXY_PASS}
//	  - name: gateway
//	    kind: rewrite
//	    gateway: https://api.example.net/?key={api_key}&url={url}
//	    api_key: ${GATEWAY_KEY}
type Catalog struct {
	Active    string    `yaml:"active"`
	Providers []Profile `yaml:"providers"`
}

// LoadCatalog reads a YAML catalog from path, expanding ${VAR} references
// from the environment so credentials stay out of the file.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read proxy catalog: %w", err)
	}
	var cat Catalog
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cat); err != nil {
		return Catalog{}, fmt.Errorf("decode proxy catalog: %w", err)
	}
	return cat, nil
}

// Merge overlays file profiles onto inline ones. Profiles with the same name
// are replaced; an active value in the file wins over inline.
func Merge(inline []Profile, inlineActive string, file Catalog) ([]Profile, string) {
	byName := make(map[string]int, len(inline))
	out := append([]Profile(nil), inline...)
	for i, p := range out {
		byName[p.Name] = i
	}
	for _, p := range file.Providers {
		if i, ok := byName[p.Name]; ok {
			out[i] = p
			continue
		}
		byName[p.Name] = len(out)
		out = append(out, p)
	}
	active := inlineActive
	if file.Active != "" {
		active = file.Active
	}
	return out, active
}
