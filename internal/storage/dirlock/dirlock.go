// Пакет dirlock — эксклюзивное владение входящей директорией через flock().
//
// Несколько экземпляров Ingest Module могут смотреть на одну и ту же
// входящую директорию (общая FS, NFS v4+). Обрабатывать её элементы
// должен ровно один экземпляр, иначе попытки двух узлов над одним
// элементом перемешают журналы.
//
// Алгоритм:
//  1. Попытка захватить эксклюзивную блокировку {dropbox}/.ingest.lock
//  2. Если блокировка получена — экземпляр владелец, его node id
//     записывается в {dropbox}/.ingest.owner, вызывается onAcquire
//  3. Если нет — экземпляр в ожидании, владелец читается из .ingest.owner
//  4. Ожидающий экземпляр периодически повторяет попытку захвата
package dirlock

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	// LockFile — имя файла блокировки.
	LockFile = ".ingest.lock"
	// OwnerFile — имя файла с идентификатором владельца.
	OwnerFile = ".ingest.owner"
	// defaultRetryInterval — интервал повторного захвата по умолчанию.
	defaultRetryInterval = 5 * time.Second
)

// Lock — владение одной входящей директорией.
type Lock struct {
	dir           string
	nodeID        string
	retryInterval time.Duration
	logger        *slog.Logger

	// onAcquire вызывается один раз при получении владения
	onAcquire func()

	mu       sync.RWMutex
	held     bool
	owner    string
	lockFile *os.File // открытый файл с flock

	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New создаёт блокировку входящей директории.
// retryInterval <= 0 — интервал по умолчанию (5s).
func New(dir, nodeID string, retryInterval time.Duration, onAcquire func(), logger *slog.Logger) *Lock {
	if retryInterval <= 0 {
		retryInterval = defaultRetryInterval
	}
	return &Lock{
		dir:           dir,
		nodeID:        nodeID,
		retryInterval: retryInterval,
		onAcquire:     onAcquire,
		logger: logger.With(
			slog.String("component", "dirlock"),
			slog.String("dropbox", dir),
		),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start выполняет первую попытку захвата.
// Если директория занята — запускает горутину повторных попыток.
func (l *Lock) Start() error {
	acquired, err := l.tryAcquire()
	if err != nil {
		return fmt.Errorf("ошибка при попытке захвата lock: %w", err)
	}

	if acquired {
		l.becomeOwner()
		close(l.done)
		return nil
	}

	l.becomeStandby()
	go l.retryLoop()
	return nil
}

// Stop останавливает повторные попытки и освобождает блокировку.
func (l *Lock) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
	<-l.done

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lockFile != nil {
		fd := int(l.lockFile.Fd())
		_ = syscall.Flock(fd, syscall.LOCK_UN)
		_ = l.lockFile.Close()
		l.lockFile = nil
		l.held = false
		l.logger.Info("Владение входящей директорией освобождено")
	}
}

// Held возвращает true, если экземпляр владеет директорией.
func (l *Lock) Held() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.held
}

// Owner возвращает node id текущего владельца (пусто, если неизвестен).
func (l *Lock) Owner() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.owner
}

// Dir возвращает путь входящей директории.
func (l *Lock) Dir() string {
	return l.dir
}

// tryAcquire пытается захватить flock на .ingest.lock.
func (l *Lock) tryAcquire() (bool, error) {
	lockPath := filepath.Join(l.dir, LockFile)

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return false, fmt.Errorf("не удалось открыть lock-файл %s: %w", lockPath, err)
	}

	// Неблокирующая попытка захватить эксклюзивную блокировку
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		return false, nil
	}

	l.mu.Lock()
	l.lockFile = f
	l.mu.Unlock()

	return true, nil
}

// becomeOwner фиксирует владение и вызывает onAcquire.
func (l *Lock) becomeOwner() {
	l.mu.Lock()
	l.held = true
	l.owner = l.nodeID
	l.mu.Unlock()

	if err := l.writeOwner(); err != nil {
		l.logger.Error("Ошибка записи .ingest.owner",
			slog.String("error", err.Error()),
		)
	}

	l.logger.Info("Входящая директория захвачена",
		slog.String("node_id", l.nodeID),
	)

	if l.onAcquire != nil {
		l.onAcquire()
	}
}

// becomeStandby фиксирует ожидание и текущего владельца.
func (l *Lock) becomeStandby() {
	owner := l.readOwner()

	l.mu.Lock()
	l.held = false
	l.owner = owner
	l.mu.Unlock()

	l.logger.Info("Входящая директория занята другим экземпляром",
		slog.String("owner", owner),
	)
}

// retryLoop — горутина ожидающего экземпляра.
func (l *Lock) retryLoop() {
	defer close(l.done)

	ticker := time.NewTicker(l.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			owner := l.readOwner()
			l.mu.Lock()
			l.owner = owner
			l.mu.Unlock()

			acquired, err := l.tryAcquire()
			if err != nil {
				l.logger.Warn("Ошибка повторного захвата lock",
					slog.String("error", err.Error()),
				)
				continue
			}

			if acquired {
				l.becomeOwner()
				return
			}
		}
	}
}

// writeOwner записывает node id владельца в .ingest.owner (атомарно).
func (l *Lock) writeOwner() error {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	infoPath := filepath.Join(l.dir, OwnerFile)
	tmpPath := infoPath + ".tmp"

	if err := os.WriteFile(tmpPath, []byte(l.nodeID+"@"+hostname), 0o640); err != nil {
		return fmt.Errorf("ошибка записи temp .ingest.owner: %w", err)
	}
	if err := os.Rename(tmpPath, infoPath); err != nil {
		return fmt.Errorf("ошибка переименования .ingest.owner: %w", err)
	}
	return nil
}

// readOwner читает node id владельца из .ingest.owner.
// Возвращает пустую строку при отсутствии файла.
func (l *Lock) readOwner() string {
	data, err := os.ReadFile(filepath.Join(l.dir, OwnerFile))
	if err != nil {
		return ""
	}
	owner, _, _ := strings.Cut(strings.TrimSpace(string(data)), "@")
	return owner
}
