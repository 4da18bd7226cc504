package models

import (
	"sort"
	"strings"
)

// ClassSet 类别集合（用于装备集与缺失集）
type ClassSet map[Class]bool

// NewClassSet 从类别列表构建集合
func NewClassSet(classes ...Class) ClassSet {
	s := make(ClassSet, len(classes))
	for _, c := range classes {
		s[c] = true
	}
	return s
}

// Add 加入类别
func (s ClassSet) Add(c Class) {
	s[c] = true
}

// Has 是否包含类别
func (s ClassSet) Has(c Class) bool {
	return s[c]
}

// Missing 返回 required 中不在本集合内的类别（排序后）
func (s ClassSet) Missing(required ClassSet) []Class {
	var missing []Class
	for c := range required {
		if !s[c] {
			missing = append(missing, c)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	return missing
}

// Sorted 返回排序后的类别列表
func (s ClassSet) Sorted() []Class {
	out := make([]Class, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ClassesEqual 比较两个排序后的类别列表是否相同
func ClassesEqual(a, b []Class) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ClassesKey 将排序后的类别列表编码为稳定字符串（用于去重键）
func ClassesKey(classes []Class) string {
	parts := make([]string, len(classes))
	for i, c := range classes {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}
