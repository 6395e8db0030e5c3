package replication

import (
	"archive/zip"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Directories and files of an update package.
const (
	FeaturesDir       = "features"
	DeltasDir         = "deltas"
	TilesDir          = "tiles"
	VersionStampsFile = "version_stamps.csv"
	CodeBundleFile    = "code.zip"
	ManifestFile      = "update.json"
)

// Manifest describes the content of an update package.
type Manifest struct {
	ID          int64     `json:"id"`
	Source      string    `json:"source"`
	ExtractType string    `json:"extract_type,omitempty"`
	FromVersion int64     `json:"from_version"`
	ToVersion   int64     `json:"to_version"`
	Created     time.Time `json:"created"`

	ConfigChanges int            `json:"config_changes"`
	Features      map[string]int `json:"features,omitempty"`
	Deltas        map[string]int `json:"deltas,omitempty"`
	TileFiles     []string       `json:"tile_files,omitempty"`
	HasCode       bool           `json:"has_code,omitempty"`
}

// Empty reports whether the package carries nothing to apply.
func (m *Manifest) Empty() bool {
	return m.ConfigChanges == 0 && len(m.Features) == 0 && len(m.Deltas) == 0 &&
		len(m.TileFiles) == 0 && !m.HasCode
}

func writeManifest(dir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ManifestFile), append(data, '\n'), 0644)
}

func readManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("replication: package has no manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("replication: malformed manifest: %w", err)
	}
	return &m, nil
}

// stampRow is one line of version_stamps.csv.
type stampRow struct {
	Component string
	Version   int64
	Date      time.Time
}

func writeVersionStamps(path string, stamps []stampRow) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	w.Write([]string{"component", "version", "date"})
	for _, s := range stamps {
		w.Write([]string{s.Component, strconv.FormatInt(s.Version, 10), s.Date.UTC().Format(TimestampLayout)})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func readVersionStamps(path string) ([]stampRow, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("replication: malformed %s: %w", VersionStampsFile, err)
	}
	var out []stampRow
	for i, r := range rows {
		if i == 0 || len(r) < 2 {
			continue
		}
		v, err := strconv.ParseInt(r[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("replication: bad version for %s in %s: %w", r[0], VersionStampsFile, err)
		}
		row := stampRow{Component: r[0], Version: v}
		if len(r) > 2 {
			row.Date, _ = time.Parse(TimestampLayout, r[2])
		}
		out = append(out, row)
	}
	return out, nil
}

// recordFileName names chunk n of the records of a table.
func recordFileName(table string, n int) string {
	return fmt.Sprintf("%s.%d.csv", table, n)
}

// deltaFileName names chunk n of the delta or base records of a table.
func deltaFileName(table, schemaName string, n int) string {
	return fmt.Sprintf("%s.%s.%d.delta", table, schemaName, n)
}

// recordFile is a record file found in a package directory.
type recordFile struct {
	Path   string
	Table  string
	Schema string
	Chunk  int
}

// listRecordFiles returns the record files of a directory with an extension
// in table and chunk order.
func listRecordFiles(dir, ext string) ([]recordFile, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []recordFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ext) {
			continue
		}
		parts := strings.Split(strings.TrimSuffix(e.Name(), ext), ".")
		n, err := strconv.Atoi(parts[len(parts)-1])
		if err != nil || len(parts) < 2 {
			return nil, fmt.Errorf("replication: unexpected record file %s", e.Name())
		}
		rf := recordFile{Path: filepath.Join(dir, e.Name()), Table: parts[0], Chunk: n}
		if len(parts) == 3 {
			rf.Schema = parts[1]
		}
		out = append(out, rf)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Table != out[j].Table {
			return out[i].Table < out[j].Table
		}
		if out[i].Schema != out[j].Schema {
			return out[i].Schema < out[j].Schema
		}
		return out[i].Chunk < out[j].Chunk
	})
	return out, nil
}

// zipDir writes the files below dir into a zip archive.
func zipDir(dir, zipPath string) error {
	out, err := os.Create(zipPath)
	if err != nil {
		return fmt.Errorf("replication: failed to create %s: %w", zipPath, err)
	}
	zw := zip.NewWriter(out)
	err = filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		hdr.Method = zip.Deflate
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(zipPath)
		return fmt.Errorf("replication: failed to zip %s: %w", dir, err)
	}
	return nil
}

// unzip extracts an archive into dir. Entries escaping dir are rejected.
func unzip(zipPath, dir string) error {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("replication: failed to open %s: %w", zipPath, err)
	}
	defer zr.Close()

	root, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	for _, f := range zr.File {
		target := filepath.Join(root, filepath.FromSlash(f.Name))
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return fmt.Errorf("replication: %s has an entry outside the package: %s", zipPath, f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		if err := extractFile(f, target); err != nil {
			return fmt.Errorf("replication: failed to extract %s: %w", f.Name, err)
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
