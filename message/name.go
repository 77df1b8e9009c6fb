// Package message 实现消息名称与绑定模式的校验和匹配
package message

import (
	"strings"

	"kbus/errors"
)

// MaxNameLen 消息名称的最大字节数
const MaxNameLen = 1000

// 校验规则：
//   - 以 "$." 开头
//   - 点号分隔，词元非空且仅含字母数字
//   - 绑定模式额外允许末尾词元为 "*"（任意后缀）或 "%"（恰好一个词元）

// CheckName 校验消息名称（不允许通配符）
func CheckName(name string) error {
	return checkName(name, false)
}

// CheckPattern 校验绑定模式（允许通配符后缀）
func CheckPattern(pattern string) error {
	return checkName(pattern, true)
}

func checkName(name string, allowWildcard bool) error {
	if len(name) > MaxNameLen {
		return errors.NewError(errors.ErrCodeNameTooLong,
			"message name exceeds maximum length")
	}
	if !strings.HasPrefix(name, "$.") {
		return errors.NewError(errors.ErrCodeNameInvalid,
			"message name must start with \"$.\"")
	}

	rest := name[2:]
	if rest == "" {
		return errors.NewError(errors.ErrCodeNameInvalid,
			"message name has no tokens")
	}

	tokens := strings.Split(rest, ".")
	for i, tok := range tokens {
		if tok == "" {
			return errors.NewError(errors.ErrCodeNameInvalid,
				"message name contains an empty token")
		}
		// 通配符只允许作为模式的最后一个词元
		if tok == "*" || tok == "%" {
			if allowWildcard && i == len(tokens)-1 {
				continue
			}
			return errors.NewError(errors.ErrCodeNameInvalid,
				"wildcard is only allowed as the final token of a binding pattern")
		}
		for _, r := range tok {
			if !isAlnum(r) {
				return errors.NewError(errors.ErrCodeNameInvalid,
					"message name tokens must be alphanumeric")
			}
		}
	}
	return nil
}

func isAlnum(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9'
}

// IsWildcard 模式是否带通配符后缀
func IsWildcard(pattern string) bool {
	return strings.HasSuffix(pattern, ".*") || strings.HasSuffix(pattern, ".%") ||
		pattern == "$.*" || pattern == "$.%"
}

// Match 判断模式是否匹配名称
//
// 规则（假定双方均已通过校验）：
//   - 无通配符：字符串完全相等
//   - "*" 后缀：名称以通配符之前的前缀开头，剩余部分非空
//   - "%" 后缀：同上，且剩余部分不含点号（恰好一个词元）
func Match(pattern, name string) bool {
	if !IsWildcard(pattern) {
		return pattern == name
	}

	prefix := pattern[:len(pattern)-1] // 保留通配符前的点号
	if !strings.HasPrefix(name, prefix) {
		return false
	}
	rest := name[len(prefix):]
	if rest == "" {
		return false
	}
	if pattern[len(pattern)-1] == '%' {
		return !strings.Contains(rest, ".")
	}
	return true
}

// Specificity 模式的特异度等级，用于 Replier 选举
//
// 精确名称 > "%" 通配符 > "*" 通配符；同级之间由更长的
// 模式（更长的字面前缀）胜出。
func Specificity(pattern string) int {
	switch {
	case !IsWildcard(pattern):
		return 3
	case pattern[len(pattern)-1] == '%':
		return 2
	default:
		return 1
	}
}

// MoreSpecific 判断模式 a 是否比 b 更特异（严格优于）
func MoreSpecific(a, b string) bool {
	sa, sb := Specificity(a), Specificity(b)
	if sa != sb {
		return sa > sb
	}
	return len(a) > len(b)
}
