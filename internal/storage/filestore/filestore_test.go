package filestore

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

// writeTree создаёт дерево файлов для тестов.
func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			t.Fatalf("ошибка создания директории: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
			t.Fatalf("ошибка создания файла: %v", err)
		}
	}
}

func sha(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

// TestNew_CreatesDirectory проверяет создание директории хранилища.
func TestNew_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")

	s, err := New(dir)
	if err != nil {
		t.Fatalf("ошибка создания FileStore: %v", err)
	}
	if s.StoreDir() != dir {
		t.Errorf("ожидался путь %s, получен %s", dir, s.StoreDir())
	}

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("директория не создана: %v", err)
	}
	if !info.IsDir() {
		t.Fatal("путь не является директорией")
	}
}

// TestEntityPaths проверяет формирование путей сущности.
func TestEntityPaths(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	if got := s.EntityDir("e1"); got != filepath.Join(s.StoreDir(), "e1") {
		t.Errorf("EntityDir: получено %s", got)
	}
	if got := s.OriginalPath("e1"); got != filepath.Join(s.StoreDir(), "e1", OriginalDir) {
		t.Errorf("OriginalPath: получено %s", got)
	}
	if s.EntityExists("e1") {
		t.Error("сущность не должна существовать")
	}
	os.MkdirAll(s.EntityDir("e1"), 0o750)
	if !s.EntityExists("e1") {
		t.Error("сущность должна существовать")
	}
}

// TestCopyTree_Directory проверяет копирование дерева с checksum.
func TestCopyTree_Directory(t *testing.T) {
	src := filepath.Join(t.TempDir(), "plate")
	writeTree(t, src, map[string]string{
		"a.txt":     "alpha",
		"sub/b.txt": "beta",
	})
	dst := filepath.Join(t.TempDir(), "copy")

	files, err := CopyTree(src, dst)
	if err != nil {
		t.Fatalf("CopyTree: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("ожидалось 2 файла, получено %d", len(files))
	}

	byPath := map[string]string{}
	for _, f := range files {
		byPath[f.Path] = f.Checksum
	}
	if byPath[filepath.Join("copy", "a.txt")] != sha("alpha") {
		t.Errorf("checksum a.txt не совпадает: %v", byPath)
	}
	if byPath[filepath.Join("copy", "sub", "b.txt")] != sha("beta") {
		t.Errorf("checksum sub/b.txt не совпадает: %v", byPath)
	}

	data, err := os.ReadFile(filepath.Join(dst, "sub", "b.txt"))
	if err != nil || string(data) != "beta" {
		t.Errorf("содержимое не скопировано: %q, %v", data, err)
	}
	// Исходник не тронут
	if _, err := os.Stat(filepath.Join(src, "a.txt")); err != nil {
		t.Error("исходный файл не должен удаляться")
	}
}

// TestCopyTree_SingleFile проверяет копирование одиночного файла.
func TestCopyTree_SingleFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "one.bin")
	os.WriteFile(src, []byte("payload"), 0o640)
	dst := filepath.Join(dir, "out", "one.bin")
	os.MkdirAll(filepath.Dir(dst), 0o750)

	files, err := CopyTree(src, dst)
	if err != nil {
		t.Fatalf("CopyTree: %v", err)
	}
	if len(files) != 1 || files[0].Size != 7 || files[0].Checksum != sha("payload") {
		t.Fatalf("неожиданный результат: %+v", files)
	}
	if _, err := os.Stat(dst + ".tmp"); !os.IsNotExist(err) {
		t.Error("временный файл не должен оставаться")
	}
}

// TestCopyTree_DestinationExists проверяет отказ при существующем dst.
func TestCopyTree_DestinationExists(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	os.WriteFile(src, []byte("x"), 0o640)
	dst := filepath.Join(dir, "dst")
	os.WriteFile(dst, []byte("y"), 0o640)

	if _, err := CopyTree(src, dst); err == nil {
		t.Fatal("ожидалась ошибка для существующего dst")
	}
}

// TestInventory проверяет инвентаризацию дерева.
func TestInventory(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, OriginalDir)
	writeTree(t, root, map[string]string{
		"z.txt":   "zz",
		"d/a.txt": "a",
	})

	files, err := Inventory(base, root)
	if err != nil {
		t.Fatalf("Inventory: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("ожидалось 2 файла, получено %d", len(files))
	}
	if files[0].Path != filepath.Join(OriginalDir, "d", "a.txt") {
		t.Errorf("ожидалась сортировка по пути, первый: %s", files[0].Path)
	}
	if TotalSize(files) != 3 {
		t.Errorf("TotalSize: ожидалось 3, получено %d", TotalSize(files))
	}
}

// TestComputeChecksum проверяет вычисление SHA-256.
func TestComputeChecksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	os.WriteFile(path, []byte("hello"), 0o640)

	sum, err := ComputeChecksum(path)
	if err != nil {
		t.Fatalf("ComputeChecksum: %v", err)
	}
	if sum != sha("hello") {
		t.Errorf("checksum: ожидалось %s, получено %s", sha("hello"), sum)
	}

	if _, err := ComputeChecksum(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("ожидалась ошибка для несуществующего файла")
	}
}

// TestValidCode проверяет допустимость кодов сущностей.
func TestValidCode(t *testing.T) {
	tests := []struct {
		code string
		ok   bool
	}{
		{"20260221150405123-1", true},
		{"E_42.v2", true},
		{"", false},
		{".hidden", false},
		{"a/b", false},
		{"../x", false},
		{"код", false},
	}

	for _, tt := range tests {
		if got := ValidCode(tt.code); got != tt.ok {
			t.Errorf("ValidCode(%q): ожидалось %v, получено %v", tt.code, tt.ok, got)
		}
	}
}
