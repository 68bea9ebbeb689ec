// 文件: pkg/decision/parser.go
// 决策模块 - 模型应答解析
//
// 【职责】
// 从模型返回的自由文本里提取决策 JSON 并做形状校验。
// 模型经常在 JSON 前后加分析文字或代码围栏，按三种策略依次尝试:
//  1. ```json 围栏块
//  2. 首个 '{' 到末个 '}' 的包络
//  3. 全文本身
// 任一候选解析且校验通过即采纳；全部失败则整轮记 invalid_response。
//
// 【边界】
// 解析器只管形状 (字段齐不齐、类型对不对)，数值合法性是交易引擎的事:
// quantity 显式给 0 会放行，由风控以 quantity_non_positive 拒绝。

package decision

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"arena.com/pkg/calc"
)

// 围栏块: ```json ... ``` 或裸 ``` ... ```
var fencedBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.+?)\\s*```")

// 模型输出里常见的全角/弯引号，替换成 ASCII 引号后再解析
var quoteSanitizer = strings.NewReplacer(
	"“", `"`, // “
	"”", `"`, // ”
	"‘", `'`, // ‘
	"’", `'`, // ’
	"＂", `"`, // ＂
)

// Parse 从模型原文提取并校验决策
func Parse(raw string) (*ParsedDecision, error) {
	text := quoteSanitizer.Replace(strings.TrimSpace(raw))
	if text == "" {
		return nil, fmt.Errorf("empty response")
	}

	var lastErr error
	for _, candidate := range extractCandidates(text) {
		var d ParsedDecision
		if err := json.Unmarshal([]byte(candidate), &d); err != nil {
			lastErr = err
			continue
		}
		if err := validateDecision(&d); err != nil {
			lastErr = err
			continue
		}
		normalizeDecision(&d)
		return &d, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no json object found")
	}
	return nil, fmt.Errorf("parse decision: %w", lastErr)
}

// extractCandidates 按优先级列出候选 JSON 文本
func extractCandidates(text string) []string {
	var out []string

	// 1. 围栏块 (可能有多个，模型偶尔把分析和决策分别围起来)
	for _, m := range fencedBlockRe.FindAllStringSubmatch(text, -1) {
		block := strings.TrimSpace(m[1])
		if strings.HasPrefix(block, "{") {
			out = append(out, block)
		}
	}

	// 2. 首 '{' 到末 '}' 的包络
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		out = append(out, text[start:end+1])
	}

	// 3. 全文
	out = append(out, text)
	return out
}

// =============================================================================
// 形状校验
// =============================================================================

func validateDecision(d *ParsedDecision) error {
	switch strings.ToLower(strings.TrimSpace(d.Decision)) {
	case DecisionHold:
		return nil
	case DecisionTrade:
		if len(d.Orders) == 0 {
			return fmt.Errorf("decision is trade but orders is empty")
		}
		for i := range d.Orders {
			if err := validateOrder(&d.Orders[i]); err != nil {
				return fmt.Errorf("order[%d]: %w", i, err)
			}
		}
		return nil
	case "":
		return fmt.Errorf("missing decision field")
	default:
		return fmt.Errorf("unknown decision %q", d.Decision)
	}
}

func validateOrder(o *ParsedOrder) error {
	if strings.TrimSpace(o.Symbol) == "" {
		return fmt.Errorf("missing symbol")
	}
	switch strings.ToLower(strings.TrimSpace(o.Action)) {
	case OrderActionOpen:
		if _, ok := parseSide(o.Side); !ok {
			return fmt.Errorf("open order needs side buy or sell, got %q", o.Side)
		}
		if o.Quantity == nil {
			return fmt.Errorf("open order missing quantity")
		}
		if o.Leverage == nil {
			return fmt.Errorf("open order missing leverage")
		}
		return nil
	case OrderActionClose:
		// position_id 可缺省，引擎按 symbol 唯一持仓回退
		return nil
	case "":
		return fmt.Errorf("missing action")
	default:
		return fmt.Errorf("unknown action %q", o.Action)
	}
}

// parseSide 线格式方向到引擎方向
// long/short 是 buy/sell 的常见同义写法，一并接受
func parseSide(s string) (calc.Side, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "long":
		return calc.SideLong, true
	case "sell", "short":
		return calc.SideShort, true
	default:
		return 0, false
	}
}

// normalizeDecision 统一大小写，hold 决策清空订单
func normalizeDecision(d *ParsedDecision) {
	d.Decision = strings.ToLower(strings.TrimSpace(d.Decision))
	if d.Decision == DecisionHold {
		d.Orders = nil
		return
	}
	for i := range d.Orders {
		o := &d.Orders[i]
		o.Action = strings.ToLower(strings.TrimSpace(o.Action))
		o.Symbol = strings.ToUpper(strings.TrimSpace(o.Symbol))
		o.Side = strings.ToLower(strings.TrimSpace(o.Side))
		o.PositionID = strings.TrimSpace(o.PositionID)
	}
}
