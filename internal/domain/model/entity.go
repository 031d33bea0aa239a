package model

import (
	"time"
)

// EntityStatus — статус сущности в локальном хранилище.
type EntityStatus string

const (
	// StatusCommitted — транзакция storage processor закоммичена
	StatusCommitted EntityStatus = "committed"
	// StatusConfirmed — регистрация подтверждена удалённым каталогом
	StatusConfirmed EntityStatus = "confirmed"
)

// StoredFile — один файл сущности в хранилище.
type StoredFile struct {
	// Path — путь относительно директории сущности
	Path string `json:"path"`
	// Size — размер в байтах
	Size int64 `json:"size"`
	// Checksum — SHA-256 содержимого
	Checksum string `json:"checksum"`
}

// EntityMetadata — метаданные сущности. Соответствует содержимому
// {store}/{code}.attr.json и записи in-memory индекса.
type EntityMetadata struct {
	// Code — идентификатор сущности, выданный удалённым каталогом
	Code string `json:"code"`

	// ItemName — имя исходного IncomingItem
	ItemName string `json:"item_name"`

	// Dropbox — входящая директория, откуда пришли данные
	Dropbox string `json:"dropbox"`

	// StorePath — путь директории сущности относительно IM_STORE_DIR
	StorePath string `json:"store_path"`

	// Processor — имя storage processor, сохранившего данные
	Processor string `json:"processor"`

	// Files — файлы сущности
	Files []StoredFile `json:"files"`

	// Size — суммарный размер файлов
	Size int64 `json:"size"`

	// Status — текущий статус
	Status EntityStatus `json:"status"`

	// StoredAt — время коммита (UTC)
	StoredAt time.Time `json:"stored_at"`
}

// RegistrationRecord — payload регистрации сущности в удалённом каталоге.
// Принадлежит Registration Service до подтверждения вызова каталогом.
type RegistrationRecord struct {
	// Code — сгенерированный идентификатор (код сущности)
	Code string `json:"code"`
	// NodeID — узел, выполнивший регистрацию (IM_NODE_ID)
	NodeID string `json:"node_id"`
	// ItemName — имя исходного элемента
	ItemName string `json:"item_name"`
	// Dropbox — входящая директория
	Dropbox string `json:"dropbox"`
	// StorePath — расположение данных в хранилище
	StorePath string `json:"store_path"`
	// Size — суммарный размер данных
	Size int64 `json:"size"`
	// FileCount — количество файлов
	FileCount int `json:"file_count"`
	// Properties — свойства, заданные хуками
	Properties map[string]string `json:"properties,omitempty"`
	// CreatedAt — время формирования записи (UTC)
	CreatedAt time.Time `json:"created_at"`
}
