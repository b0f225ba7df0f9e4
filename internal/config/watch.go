package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("config")

// Watch reloads the config at path whenever it changes on disk and hands the
// validated result to onChange. Invalid edits are logged and skipped so a
// half-saved file never replaces a working config. Watch blocks until ctx is
// done.
//
// The parent directory is watched rather than the file itself: most editors
// save by writing a temp file and renaming it over the original, which would
// drop a watch placed on the old inode.
func Watch(ctx context.Context, path string, onChange func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}
	envAbs := envPathFor(abs)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != abs && event.Name != envAbs {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			cfg, err := Load(abs)
			if err != nil {
				log.Warnf("CONFIG: reload of %s skipped: %v", abs, err)
				continue
			}
			log.Infof("CONFIG: reloaded %s", abs)
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warnf("CONFIG: watcher error: %v", err)
		}
	}
}
