package main

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"sendimg/internal/config"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"
)

// backupSet names the files that make up an installation. Archive entries
// are stored under their role ("config/", "store/", "keywords/") so they
// can be restored to wherever the current config points.
type backupSet struct {
	Config   string
	DB       string
	Keywords string
}

func currentBackupSet() backupSet {
	set := backupSet{Config: resolveConfigPath()}
	cfg, err := config.Load(set.Config)
	if err != nil {
		cfg = config.Defaults()
	}
	set.DB = config.ExpandPath(cfg.Store.DBPath)
	set.Keywords = config.ExpandPath(cfg.Images.KeywordTable)
	return set
}

// entries maps archive names to existing files.
func (s backupSet) entries() map[string]string {
	out := make(map[string]string)
	add := func(role, file string) {
		if file == "" {
			return
		}
		if _, err := os.Stat(file); err == nil {
			out[role+"/"+filepath.Base(file)] = file
		}
	}
	add("config", s.Config)
	add("keywords", s.Keywords)
	add("store", s.DB)
	for _, suffix := range []string{"-wal", "-shm"} {
		add("store", s.DB+suffix)
	}
	return out
}

// target returns where an archive entry is restored to.
func (s backupSet) target(name string) (string, error) {
	role, base, ok := strings.Cut(path.Clean(name), "/")
	if !ok || strings.Contains(base, "/") || base == ".." {
		return "", fmt.Errorf("unexpected archive entry %q", name)
	}
	switch role {
	case "config":
		return s.Config, nil
	case "keywords":
		return s.Keywords, nil
	case "store":
		for _, suffix := range []string{"-wal", "-shm"} {
			if strings.HasSuffix(base, suffix) {
				return s.DB + suffix, nil
			}
		}
		return s.DB, nil
	}
	return "", fmt.Errorf("unexpected archive entry %q", name)
}

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the config, keyword table and delivery log",
		Long: `Creates a timestamped zstd-compressed tar archive containing the configuration file,
the keyword table and the sqlite delivery log.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			set := currentBackupSet()
			if outputPath == "" {
				dir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				outputPath = filepath.Join(dir, "sendimg-backup-"+time.Now().Format("20060102-150405")+".tar.zst")
			}

			files := set.entries()
			if len(files) == 0 {
				return fmt.Errorf("nothing to back up (config: %s, db: %s)", set.Config, set.DB)
			}
			n, err := writeArchive(outputPath, files)
			if err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backup created: %s (%d files, %s)\n", outputPath, len(files), humanize.Bytes(uint64(n)))
			return nil
		},
	}
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file (default: ~/.sendimg/backups/sendimg-backup-<timestamp>.tar.zst)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore <archive>",
		Short: "Restore from an archive created by 'sendimg backup'",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set := currentBackupSet()
			if !force && len(set.entries()) > 0 {
				return errors.New("existing data would be overwritten, use --force to proceed")
			}
			restored, err := extractArchive(args[0], set)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			for _, f := range restored {
				fmt.Fprintf(cmd.OutOrStdout(), "restored %s\n", f)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}

// writeArchive writes files (archive name -> source path) as a zstd
// compressed tar and returns the number of payload bytes archived.
func writeArchive(outputPath string, files map[string]string) (int64, error) {
	out, err := os.Create(outputPath)
	if err != nil {
		return 0, err
	}
	zw, err := zstd.NewWriter(out)
	if err != nil {
		out.Close()
		os.Remove(outputPath)
		return 0, err
	}
	tw := tar.NewWriter(zw)

	var total int64
	for name, src := range files {
		n, err := addToArchive(tw, name, src)
		if err != nil {
			out.Close()
			os.Remove(outputPath)
			return 0, fmt.Errorf("add %s: %w", src, err)
		}
		total += n
	}
	for _, c := range []io.Closer{tw, zw, out} {
		if err := c.Close(); err != nil {
			return 0, err
		}
	}
	return total, nil
}

func addToArchive(tw *tar.Writer, name, src string) (int64, error) {
	f, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return 0, err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return 0, err
	}
	return io.Copy(tw, f)
}

func extractArchive(archivePath string, set backupSet) ([]string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	payload, closeFn, err := decompress(bufio.NewReader(f))
	if err != nil {
		return nil, err
	}
	defer closeFn()

	tr := tar.NewReader(payload)
	var restored []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return restored, nil
		}
		if err != nil {
			return restored, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		dst, err := set.target(hdr.Name)
		if err != nil {
			return restored, err
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return restored, err
		}
		if _, err := writeFileAtomic(dst, tr); err != nil {
			return restored, fmt.Errorf("extract %s: %w", hdr.Name, err)
		}
		restored = append(restored, dst)
	}
}

var (
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	gzipMagic = []byte{0x1f, 0x8b}
)

// decompress accepts zstd archives and the gzip archives written by older
// releases.
func decompress(r *bufio.Reader) (io.Reader, func(), error) {
	head, _ := r.Peek(4)
	switch {
	case bytes.HasPrefix(head, zstdMagic):
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return zr, zr.Close, nil
	case bytes.HasPrefix(head, gzipMagic):
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("not a valid gzip file: %w", err)
		}
		return gz, func() { gz.Close() }, nil
	}
	return nil, nil, errors.New("not a sendimg backup (expected zstd or gzip)")
}

func writeFileAtomic(dst string, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".restore-*")
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), dst)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, err
	}
	return n, nil
}
