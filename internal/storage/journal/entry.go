// Пакет journal — файловый журнал транзакции (rollback stack).
//
// Каждая попытка регистрации получает директорию
// {IM_WORK_DIR}/rollback-stack/{attempt_id}/ с заголовком attempt.json
// и пронумерованными записями 000001.entry.json, 000002.entry.json, ...
// Запись о файловой операции сохраняется на диск до выполнения самой
// операции. Откат выполняется строго в обратном порядке, и каждая
// отменённая запись удаляется из журнала, поэтому прерванный откат
// продолжается с того места, где остановился.
package journal

import (
	"fmt"
	"time"
)

// Kind — тип записи журнала.
type Kind string

const (
	// KindMkdir — создание директории. Откат: удаление, если пуста.
	KindMkdir Kind = "mkdir"
	// KindMove — переименование Src → Dst. Откат: Dst → Src.
	KindMove Kind = "move"
	// KindCopy — копирование Src → Dst. Откат: удаление Dst.
	KindCopy Kind = "copy"
	// KindCreate — создание файла Path. Откат: удаление Path.
	KindCreate Kind = "create"

	// KindRegistering — вызов регистрации в удалённом каталоге начат.
	KindRegistering Kind = "registering"
	// KindRegistered — каталог подтвердил регистрацию.
	KindRegistered Kind = "registered"
	// KindStorageCommitted — транзакция storage processor закоммичена.
	KindStorageCommitted Kind = "storage_committed"
	// KindDecision — принятое решение undo-политики.
	KindDecision Kind = "decision"
	// KindConfirmed — попытка подтверждена.
	KindConfirmed Kind = "confirmed"
)

// Undoable возвращает true для записей о файловых операциях,
// у которых есть компенсирующее действие.
func (k Kind) Undoable() bool {
	switch k {
	case KindMkdir, KindMove, KindCopy, KindCreate:
		return true
	}
	return false
}

// Entry — запись журнала. Хранится как JSON-файл {seq}.entry.json.
type Entry struct {
	// Seq — порядковый номер записи (с 1)
	Seq int `json:"seq"`

	// Kind — тип записи
	Kind Kind `json:"kind"`

	// Path — целевой путь для mkdir/create
	Path string `json:"path,omitempty"`

	// Src, Dst — исходный и целевой пути для move/copy
	Src string `json:"src,omitempty"`
	Dst string `json:"dst,omitempty"`

	// Identifier — идентификатор сущности в удалённом каталоге
	Identifier string `json:"identifier,omitempty"`

	// Classification, Action — решение undo-политики
	Classification string `json:"classification,omitempty"`
	Action         string `json:"action,omitempty"`

	// RecordedAt — время записи (UTC)
	RecordedAt time.Time `json:"recorded_at"`
}

// Header — заголовок журнала (attempt.json).
type Header struct {
	// AttemptID — идентификатор попытки (совпадает с кодом сущности)
	AttemptID string `json:"attempt_id"`
	// ItemPath — исходный путь IncomingItem
	ItemPath string `json:"item_path"`
	// Dropbox — входящая директория
	Dropbox string `json:"dropbox"`
	// MarkerPath — путь маркера обработки
	MarkerPath string `json:"marker_path"`
	// Processor — имя storage processor
	Processor string `json:"processor"`
	// CreatedAt — время создания журнала (UTC)
	CreatedAt time.Time `json:"created_at"`
}

const (
	headerFileName = "attempt.json"
	entrySuffix    = ".entry.json"
)

// entryFileName возвращает имя файла записи с данным номером.
func entryFileName(seq int) string {
	return fmt.Sprintf("%06d%s", seq, entrySuffix)
}
