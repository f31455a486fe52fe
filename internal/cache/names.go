package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const metaSuffix = ".meta.json"

// NormalizeName 将逻辑路径转换为扁平分区名：去掉首尾 /，其余 / 替换为 -。
func NormalizeName(p string) string {
	p = strings.TrimSpace(p)
	p = strings.TrimPrefix(p, "/")
	p = strings.TrimSuffix(p, "/")
	return strings.ReplaceAll(p, "/", "-")
}

func validatePartition(name string) error {
	if name == "" || name == "." || name == ".." {
		return ErrInvalidPartition
	}
	if strings.ContainsAny(name, `/\`) {
		return ErrInvalidPartition
	}
	return nil
}

// objectName 用 key 的 sha256 作为对象名，规避目录冲突与文件名长度限制。
func objectName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
