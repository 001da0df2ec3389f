package filesystem

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

const maxPathLength = 2000

// validateLocation 检查数据目录与文件名
//
// 文件名必须是单个路径段，不能借此写出数据目录。
func validateLocation(dir, name string) error {
	if strings.TrimSpace(dir) == "" {
		return errors.New("data directory is empty")
	}
	if len(dir) > maxPathLength {
		return fmt.Errorf("data directory too long: %d characters", len(dir))
	}
	if strings.Contains(dir, "..") {
		return fmt.Errorf("path traversal detected: %s", dir)
	}
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return fmt.Errorf("invalid file name: %q", name)
	}
	return nil
}

// absDir 返回清理后的绝对目录，失败时原样返回
func absDir(dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return filepath.Clean(dir)
	}
	return abs
}
