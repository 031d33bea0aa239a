package processor

import (
	"github.com/bigkaa/goartstore/ingest-module/internal/domain/model"
	"github.com/bigkaa/goartstore/ingest-module/internal/storage/filestore"
	"github.com/bigkaa/goartstore/ingest-module/internal/storage/journal"
)

// NameCopy — processor, копирующий подэлементы в хранилище.
const NameCopy = "copy"

// CopyProcessor копирует подэлементы из staging в хранилище с подсчётом
// SHA-256. Staging освобождается сервисом удаления после подтверждения.
// Подходит, когда хранилище на другой FS.
type CopyProcessor struct {
	store *filestore.FileStore
}

// NewCopyProcessor создаёт copy processor.
func NewCopyProcessor(store *filestore.FileStore) *CopyProcessor {
	return &CopyProcessor{store: store}
}

// Name возвращает "copy".
func (p *CopyProcessor) Name() string { return NameCopy }

// CreateTransaction открывает транзакцию копирования.
func (p *CopyProcessor) CreateTransaction(info AttemptInfo) (Transaction, error) {
	return &entityTx{
		name:  NameCopy,
		store: p.store,
		info:  info,
		transfer: func(j *journal.Journal, src, dst string) error {
			return j.Copy(src, dst, func() error {
				_, err := filestore.CopyTree(src, dst)
				return err
			})
		},
	}, nil
}

// ResumeCommit завершает коммит по данным в хранилище.
func (p *CopyProcessor) ResumeCommit(info AttemptInfo) (*model.EntityMetadata, error) {
	return resumeCommit(NameCopy, p.store, info)
}

var (
	_ Processor = (*CopyProcessor)(nil)
	_ Resumer   = (*CopyProcessor)(nil)
)
