package fsblob

import "path/filepath"

// Layout defines the on-disk directory layout of a payload store.
type Layout struct {
	Root        string
	PayloadsDir string
	TmpDir      string
}

// NewLayout builds a default layout under the given root.
func NewLayout(root string) Layout {
	return Layout{
		Root:        root,
		PayloadsDir: filepath.Join(root, "payloads"),
		TmpDir:      filepath.Join(root, "tmp"),
	}
}

func (l Layout) PayloadPath(id string) string {
	return filepath.Join(l.PayloadsDir, id)
}
