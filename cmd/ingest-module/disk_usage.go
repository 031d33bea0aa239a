// disk_usage.go — ёмкость файловой системы хранилища для /api/v1/status.
// Платформозависимый код для Unix-подобных систем.
package main

import (
	"fmt"
	"syscall"
)

// getDiskUsage возвращает total, used, available в байтах для файловой
// системы, содержащей path.
func getDiskUsage(path string) (total, used, available int64, err error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0, 0, fmt.Errorf("ошибка statfs %s: %w", path, err)
	}

	blockSize := int64(stat.Bsize) //nolint:unconvert // тип Bsize зависит от платформы
	total = int64(stat.Blocks) * blockSize
	available = int64(stat.Bavail) * blockSize
	used = total - int64(stat.Bfree)*blockSize

	return total, used, available, nil
}
