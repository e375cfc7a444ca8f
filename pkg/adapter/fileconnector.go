package adapter

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-interflow/pkg/flowerr"
	"github.com/illmade-knight/go-interflow/pkg/messaging"
)

// Settings keys of the "csv-file" adapter type. The two roles read disjoint
// subsets: a source needs a folder to read from, a destination one to write
// to.
const (
	settingReadFolder  = "read_folder"
	settingWriteFolder = "write_folder"
	settingFilePrefix  = "file_prefix"
)

const processedSuffix = ".done"

// FileConnector exchanges CSV files through a folder: the first row of a file
// is the header row, every following row one record. A source instance
// consumes the oldest unprocessed file per read and renames it with a ".done"
// suffix so poll cycles are idempotent; a destination instance writes one new
// file per batch.
type FileConnector struct {
	role   messaging.AdapterRole
	folder string
	prefix string
}

// NewFileConnector is the ConnectorBuilder for the "csv-file" adapter type.
func NewFileConnector(role messaging.AdapterRole, settings map[string]string) (Connector, error) {
	const op = "adapter.NewFileConnector"
	switch role {
	case messaging.RoleSource:
		folder := settings[settingReadFolder]
		if folder == "" {
			return nil, flowerr.Newf(flowerr.KindConfiguration, op, "source requires the %q setting", settingReadFolder)
		}
		return &FileConnector{role: role, folder: folder}, nil
	case messaging.RoleDestination:
		folder := settings[settingWriteFolder]
		if folder == "" {
			return nil, flowerr.Newf(flowerr.KindConfiguration, op, "destination requires the %q setting", settingWriteFolder)
		}
		prefix := settings[settingFilePrefix]
		if prefix == "" {
			prefix = "batch"
		}
		return &FileConnector{role: role, folder: folder, prefix: prefix}, nil
	default:
		return nil, flowerr.Newf(flowerr.KindConfiguration, op, "unknown role %q", role)
	}
}

// Read parses the oldest unprocessed CSV file in the folder. An empty folder
// yields an empty batch.
func (c *FileConnector) Read(ctx context.Context) ([]string, []map[string]string, error) {
	const op = "FileConnector.Read"
	if c.role != messaging.RoleSource {
		return nil, nil, flowerr.New(flowerr.KindConfiguration, op, "connector was built for the destination role")
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, flowerr.Wrap(err, flowerr.KindConnector, op, "read cancelled")
	}

	path, err := c.oldestUnprocessed()
	if err != nil {
		return nil, nil, flowerr.Wrap(err, flowerr.KindConnector, op, "failed to scan read folder")
	}
	if path == "" {
		return nil, nil, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, nil, flowerr.Wrap(err, flowerr.KindConnector, op, "failed to open file")
	}
	defer func() { _ = file.Close() }()

	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, nil, flowerr.Wrap(err, flowerr.KindConnector, op, fmt.Sprintf("failed to parse %s", filepath.Base(path)))
	}
	if len(rows) == 0 {
		// A headerless empty file is consumed and skipped.
		if err = os.Rename(path, path+processedSuffix); err != nil {
			return nil, nil, flowerr.Wrap(err, flowerr.KindConnector, op, "failed to mark file processed")
		}
		return nil, nil, nil
	}

	headers := rows[0]
	records := make([]map[string]string, 0, len(rows)-1)
	for _, row := range rows[1:] {
		record := make(map[string]string, len(headers))
		for i, header := range headers {
			if i < len(row) {
				record[header] = row[i]
			} else {
				record[header] = ""
			}
		}
		records = append(records, record)
	}

	if err = os.Rename(path, path+processedSuffix); err != nil {
		return nil, nil, flowerr.Wrap(err, flowerr.KindConnector, op, "failed to mark file processed")
	}
	return headers, records, nil
}

// Write serializes one batch into a new uniquely named CSV file.
func (c *FileConnector) Write(ctx context.Context, headers []string, records []map[string]string) error {
	const op = "FileConnector.Write"
	if c.role != messaging.RoleDestination {
		return flowerr.New(flowerr.KindConfiguration, op, "connector was built for the source role")
	}
	if err := ctx.Err(); err != nil {
		return flowerr.Wrap(err, flowerr.KindConnector, op, "write cancelled")
	}
	if err := os.MkdirAll(c.folder, 0o755); err != nil {
		return flowerr.Wrap(err, flowerr.KindConnector, op, "failed to create write folder")
	}

	name := fmt.Sprintf("%s-%s-%s.csv", c.prefix, time.Now().UTC().Format("20060102T150405"), uuid.NewString()[:8])
	tmp := filepath.Join(c.folder, name+".tmp")

	file, err := os.Create(tmp)
	if err != nil {
		return flowerr.Wrap(err, flowerr.KindConnector, op, "failed to create file")
	}

	writer := csv.NewWriter(file)
	writeErr := writer.Write(headers)
	for _, record := range records {
		if writeErr != nil {
			break
		}
		row := make([]string, len(headers))
		for i, header := range headers {
			row[i] = record[header]
		}
		writeErr = writer.Write(row)
	}
	writer.Flush()
	if writeErr == nil {
		writeErr = writer.Error()
	}
	if closeErr := file.Close(); writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		_ = os.Remove(tmp)
		return flowerr.Wrap(writeErr, flowerr.KindConnector, op, "failed to write batch")
	}

	// Rename-on-complete so downstream pollers never see a half-written file.
	if err = os.Rename(tmp, filepath.Join(c.folder, name)); err != nil {
		_ = os.Remove(tmp)
		return flowerr.Wrap(err, flowerr.KindConnector, op, "failed to finalize file")
	}
	return nil
}

// oldestUnprocessed returns the lexically first .csv file without a processed
// marker, or empty when none is waiting. File names embed timestamps by
// convention, so the lexical order is the age order.
func (c *FileConnector) oldestUnprocessed() (string, error) {
	entries, err := os.ReadDir(c.folder)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".csv") && !strings.HasSuffix(name, processedSuffix) {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "", nil
	}
	sort.Strings(names)
	return filepath.Join(c.folder, names[0]), nil
}
