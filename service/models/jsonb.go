package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
)

// JSONBStringArray 用于存储字符串数组的 JSONB 类型
type JSONBStringArray []string

// RuleSpecList 规则定义列表，随工作流实例与审批请求一起持久化
type RuleSpecList []RuleSpec

// scanJSON 统一的 Scanner 实现，兼容 []byte 与 string 两种驱动返回值
func scanJSON(value interface{}, dest interface{}) error {
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return errors.New("类型断言失败: 不是 []byte 或 string")
	}
	if len(bytes) == 0 {
		return nil
	}
	return json.Unmarshal(bytes, dest)
}

// JSONBStringArray 的 Scanner 接口实现
func (j *JSONBStringArray) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	return scanJSON(value, j)
}

// JSONBStringArray 的 Valuer 接口实现
func (j JSONBStringArray) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// RuleSpecList 的 Scanner 接口实现
func (r *RuleSpecList) Scan(value interface{}) error {
	if value == nil {
		*r = nil
		return nil
	}
	return scanJSON(value, r)
}

// RuleSpecList 的 Valuer 接口实现
func (r RuleSpecList) Value() (driver.Value, error) {
	if r == nil {
		return nil, nil
	}
	return json.Marshal(r)
}

// IDs 按顺序返回规则ID
func (r RuleSpecList) IDs() []string {
	ids := make([]string, 0, len(r))
	for _, rule := range r {
		ids = append(ids, rule.ID)
	}
	return ids
}
