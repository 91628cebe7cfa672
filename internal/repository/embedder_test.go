package repository

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"
)

// bagOfWords 是测试用的确定性 embedding：每个词哈希到一个维度上计数。
type bagOfWords struct {
	dims int
}

func (b bagOfWords) CreateEmbedding(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, b.dims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		vec[int(h.Sum32())%b.dims]++
	}
	// 避免零向量
	vec[b.dims-1] += 0.01
	return vec, nil
}
