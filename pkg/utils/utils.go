package utils

import (
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// 生成随机 ID
func GenerateID() string {
	return uuid.NewString()
}

// 时间格式化
func FormatTime(t time.Time) string {
	return t.Format("2006-01-02 15:04:05")
}

// Truncate 截断到最多 max 字节，不切断 UTF-8 字符
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// FirstNonEmpty 返回第一个非空字符串
func FirstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
