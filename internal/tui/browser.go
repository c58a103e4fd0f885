package tui

import (
	"os"
	"path/filepath"
	"sort"
)

type fileItem struct {
	Name  string
	Path  string
	IsDir bool
	Size  int64
}

// fileBrowser is the directory listing behind /attach without a path.
type fileBrowser struct {
	dir    string
	items  []fileItem
	cursor int
}

func (b *fileBrowser) open(dir string) error {
	items, err := browseDirectory(dir)
	if err != nil {
		return err
	}
	b.dir = dir
	b.items = items
	b.cursor = 0
	return nil
}

func (b *fileBrowser) move(delta int) {
	if len(b.items) == 0 {
		return
	}
	b.cursor = min(max(b.cursor+delta, 0), len(b.items)-1)
}

func (b *fileBrowser) selected() (fileItem, bool) {
	if b.cursor < 0 || b.cursor >= len(b.items) {
		return fileItem{}, false
	}
	return b.items[b.cursor], true
}

// window returns the slice of items to draw so the cursor stays visible.
func (b *fileBrowser) window(height int) (int, int) {
	if len(b.items) <= height {
		return 0, len(b.items)
	}
	start := max(b.cursor-height/2, 0)
	end := start + height
	if end > len(b.items) {
		end = len(b.items)
		start = end - height
	}
	return start, end
}

// browseDirectory lists path with directories first; hidden entries are skipped.
func browseDirectory(path string) ([]fileItem, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}

	items := make([]fileItem, 0, len(entries)+1)
	if parent := filepath.Dir(path); parent != path {
		items = append(items, fileItem{Name: "..", Path: parent, IsDir: true})
	}
	for _, entry := range entries {
		if len(entry.Name()) > 0 && entry.Name()[0] == '.' {
			continue
		}
		item := fileItem{
			Name:  entry.Name(),
			Path:  filepath.Join(path, entry.Name()),
			IsDir: entry.IsDir(),
		}
		if !entry.IsDir() {
			if info, err := entry.Info(); err == nil {
				item.Size = info.Size()
			}
		}
		items = append(items, item)
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Name == ".." || items[j].Name == ".." {
			return items[i].Name == ".."
		}
		if items[i].IsDir != items[j].IsDir {
			return items[i].IsDir
		}
		return items[i].Name < items[j].Name
	})
	return items, nil
}

func defaultBrowsePath() string {
	if home, err := os.UserHomeDir(); err == nil {
		for _, sub := range []string{"Downloads", "Documents"} {
			candidate := filepath.Join(home, sub)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
		return home
	}
	if cwd, err := os.Getwd(); err == nil {
		return cwd
	}
	return "."
}
