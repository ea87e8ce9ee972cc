package result

import (
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/cast"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// ScorePolicy 由维度得分汇总出整体得分
type ScorePolicy interface {
	Name() string
	Score(dimensions map[string]float64) (float64, error)
}

// MeanPolicy 维度得分的算术平均
type MeanPolicy struct{}

func (MeanPolicy) Name() string { return "mean" }

func (MeanPolicy) Score(dimensions map[string]float64) (float64, error) {
	if len(dimensions) == 0 {
		return 0, nil
	}
	sum := 0.0
	for _, dim := range sortedKeys(dimensions) {
		sum += dimensions[dim]
	}
	return clamp(sum / float64(len(dimensions))), nil
}

// WeightedPolicy 加权平均，未配置权重的维度使用 DefaultWeight
type WeightedPolicy struct {
	Weights       map[string]float64
	DefaultWeight float64
}

func (WeightedPolicy) Name() string { return "weighted" }

func (p WeightedPolicy) Score(dimensions map[string]float64) (float64, error) {
	var sum, total float64
	for _, dim := range sortedKeys(dimensions) {
		w, ok := p.Weights[dim]
		if !ok {
			w = p.DefaultWeight
		}
		if w < 0 {
			return 0, fmt.Errorf("维度 %s 的权重不能为负数", dim)
		}
		sum += dimensions[dim] * w
		total += w
	}
	if total == 0 {
		return 0, nil
	}
	return clamp(sum / total), nil
}

// ParseWeights 解析 "completeness=2,validity=1" 形式的权重配置
func ParseWeights(spec string) (map[string]float64, error) {
	weights := make(map[string]float64)
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("权重配置格式错误: %q", part)
		}
		w, err := cast.ToFloat64E(strings.TrimSpace(kv[1]))
		if err != nil {
			return nil, fmt.Errorf("权重值无效 %q: %w", part, err)
		}
		weights[strings.TrimSpace(kv[0])] = w
	}
	return weights, nil
}

// ScriptPolicy 由运维提供的 Go 脚本计算整体得分，脚本需定义
//
//	package policy
//	func Score(scores map[string]float64) float64
type ScriptPolicy struct {
	mu    sync.Mutex
	score func(map[string]float64) float64
}

// NewScriptPolicy 解释执行脚本源码
func NewScriptPolicy(src string) (*ScriptPolicy, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("加载标准库符号失败: %w", err)
	}
	if _, err := i.Eval(src); err != nil {
		return nil, fmt.Errorf("评分脚本编译失败: %w", err)
	}
	v, err := i.Eval("policy.Score")
	if err != nil {
		return nil, fmt.Errorf("评分脚本缺少 policy.Score: %w", err)
	}
	fn, ok := v.Interface().(func(map[string]float64) float64)
	if !ok {
		return nil, fmt.Errorf("policy.Score 签名应为 func(map[string]float64) float64")
	}
	return &ScriptPolicy{score: fn}, nil
}

func (*ScriptPolicy) Name() string { return "script" }

func (p *ScriptPolicy) Score(dimensions map[string]float64) (score float64, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("评分脚本执行异常: %v", r)
		}
	}()
	v := p.score(dimensions)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("评分脚本返回了无效得分: %v", v)
	}
	return clamp(v), nil
}

// NewPolicy 按名称构建评分策略
func NewPolicy(name, weights, scriptPath string) (ScorePolicy, error) {
	switch strings.ToLower(name) {
	case "", "mean":
		return MeanPolicy{}, nil
	case "weighted":
		w, err := ParseWeights(weights)
		if err != nil {
			return nil, err
		}
		return WeightedPolicy{Weights: w, DefaultWeight: 1}, nil
	case "script":
		src, err := os.ReadFile(scriptPath)
		if err != nil {
			return nil, fmt.Errorf("读取评分脚本失败: %w", err)
		}
		return NewScriptPolicy(string(src))
	default:
		return nil, fmt.Errorf("未知的评分策略: %s", name)
	}
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
