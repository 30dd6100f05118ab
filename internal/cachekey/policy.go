package cachekey

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Mode 描述查询参数参与缓存键计算的方式。
type Mode string

const (
	ModeNone   Mode = "none"
	ModeAll    Mode = "all"
	ModeParams Mode = "params"
)

// Policy 决定哪些查询参数参与缓存键：none、all 或按顺序列出的参数名。
// 零值等价于 None。
type Policy struct {
	mode   Mode
	params []string
}

// None 忽略全部查询参数，键材料只包含路径。
func None() Policy {
	return Policy{mode: ModeNone}
}

// All 将完整查询串追加到键材料。
func All() Policy {
	return Policy{mode: ModeAll}
}

// Params 按调用方给定的顺序追加指定参数的值；空列表等价于 None。
func Params(names ...string) Policy {
	cleaned := make([]string, 0, len(names))
	for _, name := range names {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	if len(cleaned) == 0 {
		return None()
	}
	return Policy{mode: ModeParams, params: cleaned}
}

// FromBool maps the legacy boolean form: true selects every query parameter.
func FromBool(all bool) Policy {
	if all {
		return All()
	}
	return None()
}

// Mode 返回策略类型，零值返回 ModeNone。
func (p Policy) Mode() Mode {
	if p.mode == "" {
		return ModeNone
	}
	return p.mode
}

// Names 返回参与计算的参数名副本。
func (p Policy) Names() []string {
	return append([]string(nil), p.params...)
}

func (p Policy) String() string {
	if p.Mode() == ModeParams {
		return fmt.Sprintf("params(%s)", strings.Join(p.params, ","))
	}
	return string(p.Mode())
}

// Parse 将配置或请求体中的原始值转换为 Policy，支持 bool、字符串列表与
// "none"/"all" 字面量。
func Parse(raw interface{}) (Policy, error) {
	switch v := raw.(type) {
	case nil:
		return None(), nil
	case Policy:
		return v, nil
	case bool:
		return FromBool(v), nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "", "false", "none":
			return None(), nil
		case "true", "all":
			return All(), nil
		default:
			return Params(strings.Split(v, ",")...), nil
		}
	case []string:
		return Params(v...), nil
	case []interface{}:
		names := make([]string, 0, len(v))
		for _, item := range v {
			name, ok := item.(string)
			if !ok {
				return Policy{}, fmt.Errorf("query param name must be string, got %T", item)
			}
			names = append(names, name)
		}
		return Params(names...), nil
	default:
		return Policy{}, fmt.Errorf("unsupported key policy type: %T", raw)
	}
}

// UnmarshalJSON 接受 false、true 或参数名数组。
func (p *Policy) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*p = None()
		return nil
	}
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// MarshalJSON mirrors UnmarshalJSON so snapshots round-trip.
func (p Policy) MarshalJSON() ([]byte, error) {
	switch p.Mode() {
	case ModeAll:
		return []byte("true"), nil
	case ModeParams:
		return json.Marshal(p.params)
	default:
		return []byte("false"), nil
	}
}
