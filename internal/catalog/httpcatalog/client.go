// Пакет httpcatalog — HTTP-клиент удалённого каталога сущностей.
// Поддерживает TLS с кастомным CA (IM_CATALOG_CA_CERT) и Bearer-токен
// (IM_CATALOG_TOKEN).
//
// Протокол:
//
//	POST {base}/api/v1/identifiers      → 201 {"identifier": "..."}
//	POST {base}/api/v1/entities         → 201 {"identifier": "..."}
//	GET  {base}/api/v1/entities/{id}    → 200 | 404
package httpcatalog

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/bigkaa/goartstore/ingest-module/internal/catalog"
	"github.com/bigkaa/goartstore/ingest-module/internal/domain/model"
)

// TokenProvider — функция, возвращающая токен для авторизации запросов.
type TokenProvider func(ctx context.Context) (string, error)

// StaticToken возвращает TokenProvider с постоянным токеном.
// Пустой токен — запросы без заголовка Authorization.
func StaticToken(token string) TokenProvider {
	if token == "" {
		return nil
	}
	return func(context.Context) (string, error) { return token, nil }
}

// identifierResponse — ответ на выделение и регистрацию.
type identifierResponse struct {
	Identifier string `json:"identifier"`
}

// errorResponse — тело ошибки каталога.
type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Client — HTTP-клиент каталога.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	tokenProvider TokenProvider
	logger        *slog.Logger
}

// New создаёт HTTP-клиент каталога.
// caCertPath — путь к CA-сертификату для TLS (пустая строка — стандартный пул).
// timeout — общий предел HTTP-запроса; таймаут вызова задаёт catalog.Guard.
func New(baseURL, caCertPath string, timeout time.Duration, tokenProvider TokenProvider, logger *slog.Logger) (*Client, error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("некорректный URL каталога %q: %w", baseURL, err)
	}

	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
	}

	if caCertPath != "" {
		tlsConfig, err := buildTLSConfig(caCertPath)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата каталога: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
		logger.Info("CA-сертификат каталога добавлен в пул доверия",
			slog.String("ca_cert", caCertPath),
		)
	}

	return &Client{
		baseURL: normalizeURL(baseURL),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		tokenProvider: tokenProvider,
		logger:        logger.With(slog.String("component", "catalog_client")),
	}, nil
}

// CreateIdentifier запрашивает новый идентификатор.
func (c *Client) CreateIdentifier(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/identifiers", nil)
	if err != nil {
		return "", fmt.Errorf("запрос CreateIdentifier: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("каталог вернул статус %d: %s", resp.StatusCode, readError(resp.Body))
	}

	var out identifierResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("декодирование CreateIdentifier: %w", err)
	}
	if out.Identifier == "" {
		return "", fmt.Errorf("каталог вернул пустой идентификатор")
	}
	return out.Identifier, nil
}

// RegisterEntity регистрирует сущность.
// 4xx — явный отказ (rejected/conflict), 5xx и сбой транспорта — transport.
func (c *Client) RegisterEntity(ctx context.Context, rec *model.RegistrationRecord) (string, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("сериализация записи регистрации: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/v1/entities", body)
	if err != nil {
		return "", &catalog.RemoteRegistrationError{Code: rec.Code, Reason: catalog.ReasonTransport, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusConflict:
		return "", &catalog.RemoteRegistrationError{
			Code: rec.Code, Reason: catalog.ReasonConflict,
			Err: fmt.Errorf("статус %d: %s", resp.StatusCode, readError(resp.Body)),
		}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", &catalog.RemoteRegistrationError{
			Code: rec.Code, Reason: catalog.ReasonRejected,
			Err: fmt.Errorf("статус %d: %s", resp.StatusCode, readError(resp.Body)),
		}
	default:
		return "", &catalog.RemoteRegistrationError{
			Code: rec.Code, Reason: catalog.ReasonTransport,
			Err: fmt.Errorf("статус %d: %s", resp.StatusCode, readError(resp.Body)),
		}
	}

	var out identifierResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &catalog.RemoteRegistrationError{Code: rec.Code, Reason: catalog.ReasonTransport, Err: err}
	}
	if out.Identifier == "" {
		out.Identifier = rec.Code
	}
	return out.Identifier, nil
}

// IsVisible проверяет наличие сущности: 200 — видна, 404 — нет.
func (c *Client) IsVisible(ctx context.Context, id string) (bool, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/entities/"+url.PathEscape(id), nil)
	if err != nil {
		return false, fmt.Errorf("запрос IsVisible: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("каталог вернул статус %d: %s", resp.StatusCode, readError(resp.Body))
	}
}

// Ping проверяет доступность каталога (GET {base}/health/live).
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/health/live", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("каталог вернул статус %d", resp.StatusCode)
	}
	return nil
}

// BaseURL возвращает базовый URL каталога.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// do выполняет запрос с авторизацией.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("создание запроса %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.tokenProvider != nil {
		token, err := c.tokenProvider(ctx)
		if err != nil {
			return nil, fmt.Errorf("получение токена для каталога: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req) //nolint:gosec // URL из конфигурации
	if err != nil {
		return nil, fmt.Errorf("запрос %s %s: %w", method, path, err)
	}
	return resp, nil
}

// readError извлекает сообщение из тела ошибки.
func readError(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	var er errorResponse
	if json.Unmarshal(data, &er) == nil && er.Error.Message != "" {
		return er.Error.Code + ": " + er.Error.Message
	}
	return strings.TrimSpace(string(data))
}

// buildTLSConfig создаёт TLS-конфигурацию с кастомным CA-сертификатом.
func buildTLSConfig(caCertPath string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("чтение CA-сертификата: %w", err)
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	caCertPool.AppendCertsFromPEM(caCert)

	return &tls.Config{
		RootCAs: caCertPool,
	}, nil
}

// normalizeURL убирает trailing slash из URL.
func normalizeURL(rawURL string) string {
	return strings.TrimRight(rawURL, "/")
}

var _ catalog.Client = (*Client)(nil)
