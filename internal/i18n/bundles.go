package i18n

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"sort"
)

//go:embed locales
var bundleFS embed.FS

// Bundles exposes the embedded translation files as locales/{locale}/{namespace}.json.
func Bundles() fs.FS {
	return bundleFS
}

// BundleLocales lists the locales that ship an embedded bundle.
func BundleLocales() []string {
	entries, err := fs.ReadDir(bundleFS, "locales")
	if err != nil {
		return nil
	}

	var locales []string
	for _, e := range entries {
		if e.IsDir() {
			locales = append(locales, e.Name())
		}
	}
	sort.Strings(locales)
	return locales
}

// ReadBundle decodes an embedded bundle into its flat key to text mapping.
func ReadBundle(locale, namespace string) (map[string]string, error) {
	data, err := fs.ReadFile(bundleFS, path.Join("locales", locale, namespace+".json"))
	if err != nil {
		return nil, err
	}

	messages := make(map[string]string)
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("failed to decode %s/%s bundle: %w", locale, namespace, err)
	}
	return messages, nil
}
