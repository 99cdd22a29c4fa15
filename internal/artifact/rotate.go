package artifact

import (
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"
)

// Rotate removes the oldest artifact directories under root until at
// most keep remain, judged by directory modification time. keep <= 0
// disables rotation. Removal errors are logged and skipped so one
// stubborn directory cannot block a new run.
func Rotate(root string, keep int, log *zap.SugaredLogger) error {
	if keep <= 0 {
		return nil
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	type aged struct {
		name string
		mod  int64
	}
	var dirs []aged
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		dirs = append(dirs, aged{name: e.Name(), mod: info.ModTime().UnixNano()})
	}
	if len(dirs) <= keep {
		return nil
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].mod < dirs[j].mod })

	for _, d := range dirs[:len(dirs)-keep] {
		path := filepath.Join(root, d.name)
		if err := os.RemoveAll(path); err != nil {
			log.Warnw("rotating artifact dir", "dir", path, "error", err)
			continue
		}
		log.Debugw("rotated artifact dir", "dir", path)
	}
	return nil
}
