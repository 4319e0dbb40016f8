package store

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/wmhub/wmscraper/internal/types"
)

// WriteJSONL streams records as newline-delimited JSON, one record per line.
func WriteJSONL(w io.Writer, records []*types.ContentRecord) error {
	enc := json.NewEncoder(w)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode JSONL: %w", err)
		}
	}
	return nil
}

// ExportJSONL writes records to a JSONL file, creating parent directories
// as needed. Used by the CLI dry-run path.
func ExportJSONL(path string, records []*types.ContentRecord, logger *slog.Logger) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	if err := WriteJSONL(f, records); err != nil {
		return err
	}
	logger.Info("JSONL written", "path", path, "records", len(records))
	return f.Sync()
}
