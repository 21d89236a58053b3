// Package corpus reads recipe collections and loads them into the search
// engine index that evaluation runs against.
package corpus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ricesearch/recipe-eval/internal/pkg/errors"
)

// Document is one recipe of a JSON collection.
type Document struct {
	ID          string `json:"id"`
	Contents    string `json:"contents"`
	Title       string `json:"title,omitempty"`
	Ingredients string `json:"ingredients,omitempty"`
}

// Validate checks the fields required for indexing.
func (d Document) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return errors.ValidationError("document id is required")
	}
	return nil
}

// IsCollectionFile reports whether path holds collection documents.
func IsCollectionFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonl":
		return true
	}
	return false
}

// ReadDir walks dir in lexical order and calls fn for each document found in
// .json and .jsonl files. A .json file holds a single object, a stream of
// objects or an array of objects; a .jsonl file holds one object per line.
func ReadDir(dir string, fn func(Document) error) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.NotFoundError(fmt.Sprintf("corpus directory %s", dir))
		}
		return fmt.Errorf("reading corpus: %w", err)
	}
	if !info.IsDir() {
		return errors.ValidationError(fmt.Sprintf("corpus path %s is not a directory", dir))
	}

	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !IsCollectionFile(path) {
			return nil
		}
		if err := readFile(path, fn); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		return nil
	})
}

// LoadDir reads every document under dir.
func LoadDir(dir string) ([]Document, error) {
	var docs []Document
	err := ReadDir(dir, func(d Document) error {
		docs = append(docs, d)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

func readFile(path string, fn func(Document) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return Read(bufio.NewReader(f), fn)
}

// Read decodes documents from r: an array of objects or a stream of
// whitespace-separated objects, which covers JSON Lines.
func Read(r io.Reader, fn func(Document) error) error {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return err
	}

	dec := json.NewDecoder(br)
	if first == '[' {
		if _, err := dec.Token(); err != nil {
			return err
		}
	}

	for dec.More() {
		var doc Document
		if err := dec.Decode(&doc); err != nil {
			return fmt.Errorf("decoding document: %w", err)
		}
		if err := fn(doc); err != nil {
			return err
		}
	}

	if first == '[' {
		if _, err := dec.Token(); err != nil {
			return err
		}
	}
	return nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		}
		if err := br.UnreadByte(); err != nil {
			return 0, err
		}
		return b, nil
	}
}
