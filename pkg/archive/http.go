package archive

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// HTTP 通过 GET <BaseURL>/<jid> 拉日志
type HTTP struct {
	BaseURL string
	Client  *http.Client
}

func (a *HTTP) Fetch(ctx context.Context, jid string) (string, error) {
	u := strings.TrimRight(a.BaseURL, "/") + "/" + url.PathEscape(jid)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}

	client := a.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("archive request failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return "", &StatusError{Code: res.StatusCode, Text: reasonPhrase(res)}
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("read archive body: %w", err)
	}
	return string(body), nil
}

// reasonPhrase 取状态行里状态码后面的部分，服务端没给时用标准描述
func reasonPhrase(res *http.Response) string {
	text := strings.TrimSpace(strings.TrimPrefix(res.Status, strconv.Itoa(res.StatusCode)))
	if text == "" {
		return http.StatusText(res.StatusCode)
	}
	return text
}
