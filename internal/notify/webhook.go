package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mmeshcher/auctionhouse/internal/model"
)

// ErrRateLimited возвращается, если получатель вебхука ответил 429 и повтор не помог.
var ErrRateLimited = errors.New("webhook rate limited")

// maxRetryAfter ограничивает ожидание по заголовку Retry-After.
const maxRetryAfter = 10 * time.Second

// WebhookNotifier отправляет события POST-запросом на внешний адрес.
type WebhookNotifier struct {
	url        string
	httpClient *http.Client
}

// NewWebhookNotifier создаёт HTTP-канал для указанного адреса.
func NewWebhookNotifier(url string) *WebhookNotifier {
	url = strings.TrimRight(url, "/")
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	return &WebhookNotifier{
		url: url,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Publish отправляет событие. При ответе 429 ждёт Retry-After и повторяет запрос один раз.
func (n *WebhookNotifier) Publish(ctx context.Context, event model.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	retryAfter, err := n.send(ctx, body)
	if !errors.Is(err, ErrRateLimited) {
		return err
	}

	timer := time.NewTimer(retryAfter)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
	}

	_, err = n.send(ctx, body)
	return err
}

func (n *WebhookNotifier) send(ctx context.Context, body []byte) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Second
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return min(retryAfter, maxRetryAfter), ErrRateLimited
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	return 0, nil
}
