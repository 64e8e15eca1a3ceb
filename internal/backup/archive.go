package backup

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"tgtasker/internal/config"
)

// Archive entry names. Fixed so archives restore onto any data directory.
const (
	arcSessions = "sessions"
	arcWorkdir  = "workdir"
	arcAccounts = "accounts.json"
	arcRunsDB   = "runs.db"
	arcConfig   = "config.yaml"
)

// snapshot packs the persistent state into a tar.gz: both state directories
// plus the loose top-level files. Missing roots are skipped, not errors; a
// fresh install has none of them yet.
func snapshot(settings config.Settings) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	dirs := []struct{ path, arc string }{
		{settings.SessionsDir, arcSessions},
		{settings.Workdir, arcWorkdir},
	}
	for _, d := range dirs {
		if _, err := os.Stat(d.path); err != nil {
			continue
		}
		if err := addTree(tw, d.path, d.arc); err != nil {
			return nil, err
		}
	}
	files := []struct{ path, arc string }{
		{settings.AccountsPath(), arcAccounts},
		{settings.RunsDBPath, arcRunsDB},
		{settings.ConfigPath, arcConfig},
	}
	for _, f := range files {
		if f.path == "" {
			continue
		}
		if _, err := os.Stat(f.path); err != nil {
			continue
		}
		if err := addFile(tw, f.path, f.arc); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func addTree(tw *tar.Writer, root, arcname string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		name := arcname
		if rel != "." {
			name = arcname + "/" + filepath.ToSlash(rel)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = name + "/"
			return tw.WriteHeader(hdr)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return writeFileEntry(tw, path, name, info)
	})
}

func addFile(tw *tar.Writer, path, arcname string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	return writeFileEntry(tw, path, arcname, info)
}

func writeFileEntry(tw *tar.Writer, path, name string, info fs.FileInfo) error {
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}

// restore unpacks an archive into the data directory, replacing the state
// directories wholesale. Every entry path is vetted before anything is
// written, so a malicious archive cannot touch files outside the target.
func restore(content []byte, settings config.Settings) error {
	entries, err := vetArchive(content, settings.DataDir)
	if err != nil {
		return err
	}

	for _, dir := range []string{settings.SessionsDir, settings.Workdir} {
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	gz, err := gzip.NewReader(bytes.NewReader(content))
	if err != nil {
		return err
	}
	defer gz.Close()
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		dest, ok := entries[hdr.Name]
		if !ok {
			continue
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fs.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		}
	}
}

// vetArchive resolves every entry to its destination path and rejects the
// whole archive on the first traversal attempt. Links are dropped: nothing
// legitimate in a state snapshot needs them.
func vetArchive(content []byte, targetDir string) (map[string]string, error) {
	target, err := filepath.Abs(targetDir)
	if err != nil {
		return nil, err
	}

	gz, err := gzip.NewReader(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("read backup archive: %w", err)
	}
	defer gz.Close()

	entries := map[string]string{}
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read backup archive: %w", err)
		}
		name := hdr.Name
		if strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) {
			return nil, fmt.Errorf("illegal backup entry: %s", name)
		}
		dest := filepath.Join(target, filepath.FromSlash(name))
		if dest != target && !strings.HasPrefix(dest, target+string(os.PathSeparator)) {
			return nil, fmt.Errorf("illegal backup entry: %s", name)
		}
		switch hdr.Typeflag {
		case tar.TypeDir, tar.TypeReg:
			entries[hdr.Name] = dest
		}
	}
}
