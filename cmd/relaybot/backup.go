package main

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/correlation"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/cobra"
)

const (
	archiveConfig   = "config.json"
	archiveStore    = "correlations.json"
	archiveJournal  = "journal.db"
	archiveBackups  = "backups/"
	archiveSelector = "selectors/"
)

// archiveFile is a file on disk and its name inside a backup archive.
type archiveFile struct {
	Name string
	Path string
}

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive config, correlation store, journal and selector files",
		Long: `Creates a compressed .tar.gz archive of everything needed to move a
relaybot installation. Browser profiles are not included; run
'relaybot login' again on the new machine.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			if outputPath == "" {
				dir := filepath.Join(cfg.General.DataDir, "archives")
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("cannot create archive directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(dir, fmt.Sprintf("relaybot-backup-%s.tar.gz", ts))
			}

			files, err := backupSet(cfgPath, cfg)
			if err != nil {
				return err
			}
			if err := createTarGz(outputPath, files); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("%s %s\n", okStyle.Render("Backup created:"), outputPath)
			for _, f := range files {
				size := int64(0)
				if info, err := os.Stat(f.Path); err == nil {
					size = info.Size()
				}
				fmt.Printf("  - %s %s\n", f.Name, dimStyle.Render("("+humanSize(size)+")"))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: <dataDir>/archives/relaybot-backup-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore [file.tar.gz]",
		Short: "Restore a relaybot backup archive",
		Long: `Restores the config first, then puts the correlation store, journal and
selector files where the restored config expects them.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			archive := args[0]
			cfgPath := resolveConfigPath()

			if !force {
				if _, err := os.Stat(cfgPath); err == nil {
					fmt.Println(warnStyle.Render("WARNING: this will overwrite existing data."))
					fmt.Printf("  Config: %s\n", cfgPath)
					fmt.Println("Use --force to proceed.")
					return fmt.Errorf("restore aborted (use --force to proceed)")
				}
			}

			restored, err := extractTarGz(archive, func(name string) (string, bool) {
				return cfgPath, name == archiveConfig
			})
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			if len(restored) == 0 {
				return fmt.Errorf("%s contains no %s", archive, archiveConfig)
			}

			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("restored config does not load: %w", err)
			}
			rest, err := extractTarGz(archive, restoreTargets(cfg))
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			restored = append(restored, rest...)

			fmt.Printf("%s %s\n", okStyle.Render("Restored from:"), archive)
			for _, f := range restored {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data without warning")
	return cmd
}

// backupSet lists the files of an installation that exist on disk.
func backupSet(cfgPath string, cfg *config.Config) ([]archiveFile, error) {
	var files []archiveFile
	add := func(name, p string) {
		if p == "" {
			return
		}
		if _, err := os.Stat(p); err == nil {
			files = append(files, archiveFile{Name: name, Path: p})
		}
	}

	add(archiveConfig, cfgPath)
	add(archiveStore, cfg.Store.Path)
	if cfg.Journal.Enabled {
		add(archiveJournal, cfg.Journal.DBPath)
		for _, suffix := range []string{"-wal", "-shm"} {
			add(archiveJournal+suffix, cfg.Journal.DBPath+suffix)
		}
	}
	backups, err := correlation.ListBackups(cfg.Store.BackupDir)
	if err != nil {
		return nil, fmt.Errorf("list store backups: %w", err)
	}
	for _, b := range backups {
		add(archiveBackups+filepath.Base(b), b)
	}
	for _, a := range cfg.Accounts {
		add(archiveSelector+a.ID+filepath.Ext(a.SelectorsFile), a.SelectorsFile)
	}

	if len(files) == 0 {
		return nil, errors.New("nothing to back up")
	}
	return files, nil
}

// restoreTargets maps archive names back to the paths cfg uses. The config
// itself is not included.
func restoreTargets(cfg *config.Config) func(name string) (string, bool) {
	return func(name string) (string, bool) {
		switch {
		case name == archiveStore:
			return cfg.Store.Path, true
		case name == archiveJournal, name == archiveJournal+"-wal", name == archiveJournal+"-shm":
			return cfg.Journal.DBPath + strings.TrimPrefix(name, archiveJournal), true
		case strings.HasPrefix(name, archiveBackups):
			base := path.Base(name)
			if cfg.Store.BackupDir == "" || base != strings.TrimPrefix(name, archiveBackups) {
				return "", false
			}
			return filepath.Join(cfg.Store.BackupDir, base), true
		case strings.HasPrefix(name, archiveSelector):
			id := strings.TrimSuffix(strings.TrimPrefix(name, archiveSelector), path.Ext(name))
			if a, ok := cfg.Account(id); ok && a.SelectorsFile != "" {
				return a.SelectorsFile, true
			}
		}
		return "", false
	}
}

// createTarGz creates a .tar.gz archive from the given files.
func createTarGz(outputPath string, files []archiveFile) error {
	outFile, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer outFile.Close()

	gzWriter := gzip.NewWriter(outFile)
	defer gzWriter.Close()

	tarWriter := tar.NewWriter(gzWriter)
	defer tarWriter.Close()

	for _, f := range files {
		if err := addFileToTar(tarWriter, f); err != nil {
			return fmt.Errorf("add %s: %w", f.Path, err)
		}
	}

	return nil
}

func addFileToTar(tw *tar.Writer, f archiveFile) error {
	file, err := os.Open(f.Path)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = f.Name

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	_, err = io.Copy(tw, file)
	return err
}

// extractTarGz writes every regular file whose name resolve accepts and
// returns the paths written. Other entries are skipped.
func extractTarGz(archivePath string, resolve func(name string) (string, bool)) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	var restored []string

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		targetPath, ok := resolve(header.Name)
		if !ok {
			continue
		}

		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return nil, err
		}
		outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", targetPath, err)
		}
		if _, err := io.Copy(outFile, tarReader); err != nil {
			outFile.Close()
			return nil, fmt.Errorf("extract %s: %w", targetPath, err)
		}
		outFile.Close()

		restored = append(restored, targetPath)
	}

	return restored, nil
}

func humanSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
