package correlation

import (
	"io"
	"os"
	"path/filepath"
)

// fileOps are the filesystem calls on the write path that tests replace to
// simulate disk faults.
type fileOps struct {
	writeTemp func(dir, pattern string, data []byte) (string, error)
	rename    func(oldpath, newpath string) error
	readFile  func(path string) ([]byte, error)
}

func osFileOps() fileOps {
	return fileOps{
		writeTemp: writeTempSynced,
		rename:    os.Rename,
		readFile:  os.ReadFile,
	}
}

// writeTempSynced writes data to a new temp file in dir and fsyncs it.
// The temp file is removed on any failure.
func writeTempSynced(dir, pattern string, data []byte) (string, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", err
	}
	name := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(name)
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(name)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

// copyFile copies src to dst atomically. It reports false when src does not exist.
func copyFile(src, dst string) (bool, error) {
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".tmp-*")
	if err != nil {
		return true, err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return true, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return true, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return true, err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return true, err
	}
	return true, nil
}

func restoreFile(backup, live string) error {
	_, err := copyFile(backup, live)
	return err
}

// syncDir flushes a directory entry after a rename. Errors are ignored:
// not every platform allows fsync on a directory.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	d.Close()
}
