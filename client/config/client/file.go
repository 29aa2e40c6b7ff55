package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/dionyziz/grr/client/config/data"
	"github.com/dionyziz/grr/grrlib/filelock"
)

const lockFileSuffix = ".lock"

// FileClient reads the config file and reads and writes the writeback file. Writes
// hold a file lock and replace the file with a rename, so readers in this or any
// other process see either the old record or the new one.
type FileClient struct {
	configPath string
}

func NewFileClient(configPath string) *FileClient {
	return &FileClient{configPath: configPath}
}

func (f *FileClient) ConfigPath() string {
	return f.configPath
}

func (f *FileClient) FetchConfig() (data.ConfigData, error) {
	raw, err := os.ReadFile(f.configPath)
	if err != nil {
		return data.ConfigData{}, fmt.Errorf("failed to read config file %s: %w", f.configPath, err)
	}
	return data.ParseConfig(raw)
}

// FetchWriteback returns an empty record if the writeback file does not exist yet.
func (f *FileClient) FetchWriteback(path string) (data.WritebackData, error) {
	lock, err := filelock.NewFileLock(path+lockFileSuffix).AcquireLock(context.Background())
	if err != nil {
		return data.WritebackData{}, err
	}
	defer lock.Unlock()

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return data.WritebackData{}, nil
	} else if err != nil {
		return data.WritebackData{}, fmt.Errorf("failed to read writeback file %s: %w", path, err)
	}
	return data.ParseWriteback(raw)
}

func (f *FileClient) SaveWriteback(path string, d data.WritebackData) error {
	dataBytes, err := data.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal writeback data: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create writeback directory %s: %w", dir, err)
	}

	// grab our file lock so we're not writing at the same time as another process
	lock, err := filelock.NewFileLock(path+lockFileSuffix).AcquireLock(context.Background())
	if err != nil {
		return err
	}
	defer lock.Unlock()

	temp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create temporary writeback file: %w", err)
	}
	tempPath := temp.Name()

	// if anything below fails, the old file is left untouched
	committed := false
	defer func() {
		if !committed {
			temp.Close()
			os.Remove(tempPath)
		}
	}()

	if err := temp.Chmod(0600); err != nil {
		return fmt.Errorf("failed to restrict writeback file permissions: %w", err)
	}
	if _, err := temp.Write(dataBytes); err != nil {
		return fmt.Errorf("failed to write writeback file: %w", err)
	}
	if err := temp.Sync(); err != nil {
		return fmt.Errorf("failed to sync writeback file: %w", err)
	}
	if err := temp.Close(); err != nil {
		return fmt.Errorf("failed to close writeback file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to replace writeback file %s: %w", path, err)
	}

	committed = true
	return nil
}

// WaitForConfig blocks until the config file exists, parses and names at least one
// control url. It is for hosts that start the client before the config has been
// provisioned.
func (f *FileClient) WaitForConfig(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("error starting new file watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(f.configPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}

	// the file may not exist yet, so we watch its directory
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("unable to watch config directory %s: %w", dir, err)
	}

	ready := func() bool {
		config, err := f.FetchConfig()
		return err == nil && len(config.ControlUrls) > 0
	}

	// it may also have appeared before we started watching
	if ready() {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("stopped waiting for config %s: %w", f.configPath, ctx.Err())
		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("file watcher closed events channel")
			}

			if filepath.Clean(event.Name) != filepath.Clean(f.configPath) {
				continue
			}

			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 && ready() {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("file watcher closed errors channel")
			}
			return fmt.Errorf("file watcher caught error: %w", err)
		}
	}
}
