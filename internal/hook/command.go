package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// commandRequest — JSON, передаваемый исполняемому файлу на stdin.
type commandRequest struct {
	Event
	Context map[string]string `json:"context"`
}

// commandResponse — JSON, ожидаемый на stdout (может быть пустым).
type commandResponse struct {
	Context    map[string]string `json:"context,omitempty"`
	Violations []Violation       `json:"violations,omitempty"`
}

// Command — хуки и валидатор, реализованные внешним исполняемым файлом
// (IM_HOOK_COMMAND). Файл вызывается с именем точки первым аргументом.
// Ненулевой код возврата — ошибка хука. Ключи context из ответа
// добавляются в контекст попытки, только если их там ещё нет.
type Command struct {
	path   string
	args   []string
	logger *slog.Logger
}

// NewCommand создаёт хуки на внешнем исполняемом файле.
// commandLine разбивается по пробелам: первый элемент — путь.
func NewCommand(commandLine string, logger *slog.Logger) (*Command, error) {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return nil, fmt.Errorf("пустая команда хука")
	}

	path, err := exec.LookPath(fields[0])
	if err != nil {
		return nil, fmt.Errorf("исполняемый файл хука %s не найден: %w", fields[0], err)
	}

	return &Command{
		path:   path,
		args:   fields[1:],
		logger: logger.With(slog.String("component", "hook")),
	}, nil
}

func (c *Command) PreMetadata(ctx context.Context, hc *Context, ev Event) error {
	_, err := c.run(ctx, PointPreMetadata, hc, ev)
	return err
}

func (c *Command) PostMetadata(ctx context.Context, hc *Context, ev Event) error {
	_, err := c.run(ctx, PointPostMetadata, hc, ev)
	return err
}

func (c *Command) PostStorage(ctx context.Context, hc *Context, ev Event) error {
	_, err := c.run(ctx, PointPostStorage, hc, ev)
	return err
}

func (c *Command) RollbackNotification(ctx context.Context, hc *Context, ev Event) error {
	_, err := c.run(ctx, PointRollback, hc, ev)
	return err
}

// Validate вызывает команду с точкой validate и возвращает нарушения.
func (c *Command) Validate(ctx context.Context, hc *Context, ev Event) ([]Violation, error) {
	resp, err := c.run(ctx, PointValidate, hc, ev)
	if err != nil {
		return nil, err
	}
	return resp.Violations, nil
}

// run выполняет команду и объединяет ответ с контекстом попытки.
func (c *Command) run(ctx context.Context, point Point, hc *Context, ev Event) (*commandResponse, error) {
	ev.Point = point
	input, err := json.Marshal(commandRequest{Event: ev, Context: hc.Snapshot()})
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации запроса хука: %w", err)
	}

	args := append(append([]string{}, c.args...), string(point))
	cmd := exec.CommandContext(ctx, c.path, args...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("хук %s завершился с ошибкой: %w: %s", point, err, strings.TrimSpace(stderr.String()))
	}

	var resp commandResponse
	if out := bytes.TrimSpace(stdout.Bytes()); len(out) > 0 {
		if err := json.Unmarshal(out, &resp); err != nil {
			return nil, fmt.Errorf("хук %s вернул невалидный JSON: %w", point, err)
		}
	}

	if added := hc.Merge(resp.Context); added > 0 {
		c.logger.Debug("Контекст попытки дополнен хуком",
			slog.String("attempt_id", hc.AttemptID()),
			slog.String("point", string(point)),
			slog.Int("added", added),
		)
	}

	return &resp, nil
}

// Проверка соответствия интерфейсам на этапе компиляции.
var (
	_ Hooks     = (*Command)(nil)
	_ Validator = (*Command)(nil)
)
