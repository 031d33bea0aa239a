package processor

import (
	"github.com/bigkaa/goartstore/ingest-module/internal/domain/model"
	"github.com/bigkaa/goartstore/ingest-module/internal/storage/filestore"
	"github.com/bigkaa/goartstore/ingest-module/internal/storage/journal"
)

// NameMove — processor, перемещающий подэлементы в хранилище.
const NameMove = "move"

// MoveProcessor перемещает подэлементы из staging в хранилище.
// Staging и хранилище должны находиться на одной FS.
type MoveProcessor struct {
	store *filestore.FileStore
}

// NewMoveProcessor создаёт move processor.
func NewMoveProcessor(store *filestore.FileStore) *MoveProcessor {
	return &MoveProcessor{store: store}
}

// Name возвращает "move".
func (p *MoveProcessor) Name() string { return NameMove }

// CreateTransaction открывает транзакцию перемещения.
func (p *MoveProcessor) CreateTransaction(info AttemptInfo) (Transaction, error) {
	return &entityTx{
		name:  NameMove,
		store: p.store,
		info:  info,
		transfer: func(j *journal.Journal, src, dst string) error {
			return j.Move(src, dst)
		},
	}, nil
}

// ResumeCommit завершает коммит по данным в хранилище.
func (p *MoveProcessor) ResumeCommit(info AttemptInfo) (*model.EntityMetadata, error) {
	return resumeCommit(NameMove, p.store, info)
}

var (
	_ Processor = (*MoveProcessor)(nil)
	_ Resumer   = (*MoveProcessor)(nil)
)
