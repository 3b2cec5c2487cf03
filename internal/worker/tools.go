package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// builtinTool 是节点内置工具的实现签名。
type builtinTool func(ctx context.Context, params map[string]any) (any, error)

// builtinTools 是节点默认携带的工具集。
// 控制面按 tool:<name> 能力选择节点，节点应只声明
// 自己实际携带的工具能力。
var builtinTools = map[string]builtinTool{
	"currentTime": func(context.Context, map[string]any) (any, error) {
		return time.Now().UTC().Format(time.RFC3339), nil
	},
	"webSearch":   webSearchTool,
	"weather":     weatherTool,
	"cryptoPrice": cryptoPriceTool,
}

// ToolCapabilities 返回内置工具对应的能力标签。
func ToolCapabilities() []string {
	capabilities := make([]string, 0, len(builtinTools))
	for name := range builtinTools {
		capabilities = append(capabilities, "tool:"+name)
	}
	return capabilities
}

var toolHTTPClient = &http.Client{Timeout: 10 * time.Second}

// webSearchTool 通过 DuckDuckGo 即时应答接口做轻量检索。
func webSearchTool(ctx context.Context, params map[string]any) (any, error) {
	query, _ := params["query"].(string)
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query 不能为空")
	}
	endpoint := "https://api.duckduckgo.com/?format=json&no_html=1&q=" + url.QueryEscape(query)

	body, err := fetchJSON(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	var decoded struct {
		Abstract      string `json:"AbstractText"`
		RelatedTopics []struct {
			Text string `json:"Text"`
		} `json:"RelatedTopics"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("解析检索结果失败: %w", err)
	}

	var results []string
	if decoded.Abstract != "" {
		results = append(results, decoded.Abstract)
	}
	for _, topic := range decoded.RelatedTopics {
		if topic.Text != "" {
			results = append(results, topic.Text)
		}
		if len(results) >= 5 {
			break
		}
	}
	return results, nil
}

// weatherTool 查询 wttr.in 的简表天气。
func weatherTool(ctx context.Context, params map[string]any) (any, error) {
	city, _ := params["city"].(string)
	if strings.TrimSpace(city) == "" {
		return nil, fmt.Errorf("city 不能为空")
	}
	body, err := fetchJSON(ctx, "https://wttr.in/"+url.PathEscape(city)+"?format=j1")
	if err != nil {
		return nil, err
	}
	var decoded struct {
		Current []struct {
			TempC   string `json:"temp_C"`
			Weather []struct {
				Value string `json:"value"`
			} `json:"weatherDesc"`
		} `json:"current_condition"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil || len(decoded.Current) == 0 {
		return nil, fmt.Errorf("解析天气结果失败")
	}
	condition := decoded.Current[0]
	description := ""
	if len(condition.Weather) > 0 {
		description = condition.Weather[0].Value
	}
	return map[string]string{"city": city, "tempC": condition.TempC, "condition": description}, nil
}

// cryptoPriceTool 查询 CoinGecko 的现货价格。
func cryptoPriceTool(ctx context.Context, params map[string]any) (any, error) {
	symbol, _ := params["symbol"].(string)
	if strings.TrimSpace(symbol) == "" {
		return nil, fmt.Errorf("symbol 不能为空")
	}
	id := strings.ToLower(strings.TrimSpace(symbol))
	body, err := fetchJSON(ctx,
		"https://api.coingecko.com/api/v3/simple/price?vs_currencies=usd&ids="+url.QueryEscape(id))
	if err != nil {
		return nil, err
	}
	var decoded map[string]map[string]float64
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("解析价格结果失败: %w", err)
	}
	entry, ok := decoded[id]
	if !ok {
		return nil, fmt.Errorf("未找到代币: %s", symbol)
	}
	return map[string]any{"symbol": id, "usd": entry["usd"]}, nil
}

func fetchJSON(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("构建请求失败: %w", err)
	}
	resp, err := toolHTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("上游返回错误状态: %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}
