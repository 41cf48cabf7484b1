// Package catalogsync предоставляет клиент внешнего реестра хладагентов.
package catalogsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/ozone-quota/internal/model"
)

// Client инкапсулирует HTTP-взаимодействие с реестром хладагентов.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Record описывает запись реестра в ответе сервиса.
type Record struct {
	Code         string              `json:"code"`
	ChemicalName string              `json:"chemical_name"`
	HSCode       string              `json:"hs_code"`
	GWP          decimal.NullDecimal `json:"gwp"`
}

// Refrigerant преобразует запись реестра в доменную сущность.
func (r Record) Refrigerant() model.Refrigerant {
	return model.Refrigerant{
		Code:         r.Code,
		ChemicalName: r.ChemicalName,
		HSCode:       r.HSCode,
		GWP:          r.GWP,
	}
}

// NewClient создаёт HTTP-клиент реестра по указанному адресу.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// FetchRefrigerants запрашивает полный список хладагентов реестра.
// При ответе 429 возвращает статус и интервал из Retry-After без ошибки.
func (c *Client) FetchRefrigerants(ctx context.Context) ([]Record, int, time.Duration, error) {
	if c == nil || c.baseURL == "" {
		return nil, 0, 0, fmt.Errorf("catalog registry client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/refrigerants", nil)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, resp.StatusCode, retryAfter, nil
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil, resp.StatusCode, 0, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var records []Record
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, resp.StatusCode, 0, fmt.Errorf("decode response: %w", err)
	}

	return records, resp.StatusCode, 0, nil
}
