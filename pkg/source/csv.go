package source

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/David-Botos/quality-ingress/pkg/model"
)

// ErrExtractNotFound is returned when one of the three extract files is absent
var ErrExtractNotFound = errors.New("extract not found")

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Loader produces the three extracts of one delivery
type Loader interface {
	Load(ctx context.Context) (model.ExtractSet, error)
}

// ReadCSV reads one extract. Empty fields become nil; every other field is
// kept as the delivered string, including invalid UTF-8 bytes, so that later
// stages can judge it. The checksum covers every byte read.
func ReadCSV(r io.Reader, schema *model.EntitySchema, origin string) (*model.SourceExtract, error) {
	if schema == nil {
		return nil, errors.New("schema cannot be nil")
	}

	h := sha256.New()
	reader := csv.NewReader(io.TeeReader(r, h))
	reader.FieldsPerRecord = 0

	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%s: empty file, header row required", origin)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header of %s: %w", origin, err)
	}
	if len(header) > 0 {
		header[0] = string(bytes.TrimPrefix([]byte(header[0]), utf8BOM))
	}
	for i := range header {
		header[i] = strings.ToLower(strings.TrimSpace(header[i]))
	}

	extract := &model.SourceExtract{
		Entity:  schema.Entity,
		Schema:  schema,
		Columns: header,
		Origin:  origin,
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", origin, err)
		}

		row := make(model.Row, len(header))
		for i, field := range record {
			if field == "" {
				row[header[i]] = nil
				continue
			}
			row[header[i]] = field
		}
		extract.Rows = append(extract.Rows, row)
	}

	// Drain anything the csv reader did not pull so the hash covers the file
	if _, err := io.Copy(io.Discard, io.TeeReader(r, h)); err != nil {
		return nil, fmt.Errorf("failed to finish reading %s: %w", origin, err)
	}
	extract.Checksum = hex.EncodeToString(h.Sum(nil))

	return extract, nil
}

// DirLoader reads tickets.csv, comments.csv and time_entries.csv from a directory
type DirLoader struct {
	Dir     string
	Schemas map[model.EntityType]*model.EntitySchema
	logger  *zap.Logger
}

// NewDirLoader creates a loader over dir using the fixed schemas
func NewDirLoader(dir string, schemas map[model.EntityType]*model.EntitySchema, logger *zap.Logger) *DirLoader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if schemas == nil {
		schemas = model.Schemas()
	}
	return &DirLoader{Dir: dir, Schemas: schemas, logger: logger}
}

// FileName returns the expected file name of an entity's extract
func FileName(entity model.EntityType) string {
	return string(entity) + ".csv"
}

// Load reads the three extracts
func (l *DirLoader) Load(ctx context.Context) (model.ExtractSet, error) {
	set := make(model.ExtractSet, 3)
	for _, entity := range model.AllEntities() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		path := filepath.Join(l.Dir, FileName(entity))
		extract, err := l.loadFile(path, l.Schemas[entity])
		if err != nil {
			return nil, err
		}
		set[entity] = extract

		l.logger.Info("Loaded extract",
			zap.String("entity", string(entity)),
			zap.String("path", path),
			zap.Int("rows", extract.RowCount()),
			zap.String("checksum", extract.Checksum))
	}
	return set, nil
}

func (l *DirLoader) loadFile(path string, schema *model.EntitySchema) (*model.SourceExtract, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrExtractNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open extract %s: %w", path, err)
	}
	defer f.Close()

	return ReadCSV(f, schema, path)
}
