package retrieval

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest lists the documents of an ingestion run.
//
//	source: portfolio
//	documents:
//	  - title: Overview - Maibel AI App
//	    file: maibel/overview.txt
//	  - title: About
//	    text: Ethan builds AI applications.
type Manifest struct {
	Source    string          `yaml:"source"`
	Documents []manifestEntry `yaml:"documents"`
}

type manifestEntry struct {
	Source string `yaml:"source"`
	Title  string `yaml:"title"`
	File   string `yaml:"file"`
	Text   string `yaml:"text"`
}

// LoadCorpus reads a YAML manifest and resolves file entries relative to it.
func LoadCorpus(path string) ([]Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load corpus: %w", err)
	}
	var manifest Manifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("load corpus %s: %w", path, err)
	}
	if len(manifest.Documents) == 0 {
		return nil, fmt.Errorf("load corpus %s: no documents", path)
	}

	base := filepath.Dir(path)
	documents := make([]Document, 0, len(manifest.Documents))
	for i, entry := range manifest.Documents {
		document := Document{
			Source:  firstNonBlank(entry.Source, manifest.Source, "corpus"),
			Title:   strings.TrimSpace(entry.Title),
			Content: entry.Text,
		}
		switch {
		case entry.File != "" && entry.Text != "":
			return nil, fmt.Errorf("load corpus %s: document %d sets both file and text", path, i)
		case entry.File != "":
			file := entry.File
			if !filepath.IsAbs(file) {
				file = filepath.Join(base, file)
			}
			body, err := os.ReadFile(file)
			if err != nil {
				return nil, fmt.Errorf("load corpus %s: document %d: %w", path, i, err)
			}
			document.Content = string(body)
			if document.Title == "" {
				document.Title = strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
			}
		}
		if strings.TrimSpace(document.Content) == "" {
			return nil, fmt.Errorf("load corpus %s: document %d has no text", path, i)
		}
		documents = append(documents, document)
	}
	return documents, nil
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
