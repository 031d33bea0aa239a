// Пакет model — доменные модели Ingest Module.
// IncomingItem — единица данных, положенная депозитором во входящую директорию.
// EntityMetadata — метаданные сохранённой сущности (формат attr.json в хранилище).
// RegistrationRecord — запись, отправляемая в удалённый каталог.
package model

import (
	"path/filepath"
)

// IncomingItem — файл или дерево директорий во входящей директории (dropbox),
// для которого депозитор создал маркер готовности.
type IncomingItem struct {
	// Path — абсолютный путь к элементу
	Path string `json:"path"`
	// Name — имя элемента (последний сегмент пути)
	Name string `json:"name"`
	// Dropbox — входящая директория, в которой найден элемент
	Dropbox string `json:"dropbox"`
}

// NewIncomingItem создаёт IncomingItem по пути к элементу.
// Dropbox вычисляется как родительская директория.
func NewIncomingItem(path string) IncomingItem {
	clean := filepath.Clean(path)
	return IncomingItem{
		Path:    clean,
		Name:    filepath.Base(clean),
		Dropbox: filepath.Dir(clean),
	}
}
