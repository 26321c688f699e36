package prepare

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/crafter-station/scrapi/internal/files"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
	codecErr  error
)

func cl100k() (tokenizer.Codec, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return codec, codecErr
}

// TokenReport is the estimated token size of a bundle.
type TokenReport struct {
	Total   int            `json:"total"`
	PerFile map[string]int `json:"perFile"`
}

// EstimateTokens counts cl100k_base tokens per file. It is an estimate of
// what the generation service will see, not an exact figure.
func EstimateTokens(set []files.VirtualFile) (*TokenReport, error) {
	c, err := cl100k()
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	report := &TokenReport{PerFile: make(map[string]int, len(set))}
	for _, f := range set {
		ids, _, err := c.Encode(f.Content)
		if err != nil {
			return nil, fmt.Errorf("tokenize %s: %w", f.Name, err)
		}
		report.PerFile[f.Name] = len(ids)
		report.Total += len(ids)
	}
	return report, nil
}
