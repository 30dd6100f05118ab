// Package cachekey turns a remote asset URL plus a query-parameter policy into
// the cache partition (the URL host) and a stable digest-based file name.
// Derivation is pure: the same URL and policy always produce the same pair.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// ErrInvalidLocator 表示 URL 无法解析或缺少 host。
var ErrInvalidLocator = errors.New("invalid resource locator")

// Derived 是一次派生的结果。
type Derived struct {
	Partition string
	Key       string
}

// Derive 解析 locator 并计算分区与缓存键。
func Derive(locator string, policy Policy) (Derived, error) {
	raw := strings.TrimSpace(locator)
	if raw == "" {
		return Derived{}, fmt.Errorf("%w: empty locator", ErrInvalidLocator)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Derived{}, fmt.Errorf("%w: %v", ErrInvalidLocator, err)
	}
	if u.Host == "" {
		return Derived{}, fmt.Errorf("%w: missing host in %q", ErrInvalidLocator, raw)
	}
	if strings.ContainsAny(u.Host, `/\`) || strings.Contains(u.Host, "..") {
		return Derived{}, fmt.Errorf("%w: host %q is not a valid partition", ErrInvalidLocator, u.Host)
	}

	// 使用转义形式的路径：a%2Fb 与 a/b 是不同的资源。
	escaped := u.EscapedPath()
	material := keyMaterial(escaped, u.RawQuery, policy)
	sum := sha256.Sum256([]byte(material))
	key := hex.EncodeToString(sum[:])
	if ext := extension(escaped); ext != "" {
		key += "." + ext
	}

	return Derived{Partition: u.Host, Key: key}, nil
}

func keyMaterial(escapedPath, rawQuery string, policy Policy) string {
	material := escapedPath
	switch policy.Mode() {
	case ModeAll:
		material += rawQuery
	case ModeParams:
		query, _ := url.ParseQuery(rawQuery)
		var b strings.Builder
		b.WriteString(material)
		for _, name := range policy.params {
			if query.Has(name) {
				b.WriteString(query.Get(name))
			}
		}
		material = b.String()
	}
	return material
}

// extension 返回最后一段路径中的扩展名（不含点），只接受字母数字，
// 否则返回空串以免把奇怪字符写进文件名。
func extension(p string) string {
	ext := strings.TrimPrefix(path.Ext(p), ".")
	if ext == "" || len(ext)+1 >= len(p) {
		return ""
	}
	for _, r := range ext {
		isDigit := r >= '0' && r <= '9'
		isLetter := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		if !isDigit && !isLetter {
			return ""
		}
	}
	return ext
}
