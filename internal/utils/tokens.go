package utils

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// TokenCounter counts model tokens in a piece of text. Counts are estimates:
// count(a+b) is not guaranteed to equal count(a)+count(b).
type TokenCounter interface {
	Count(text string) int
}

// charsPerToken is the usual BPE average for English text.
const charsPerToken = 4

// EstimateCounter approximates tokens as ceil(bytes/4).
type EstimateCounter struct{}

func (EstimateCounter) Count(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}

var loaderOnce sync.Once

// TiktokenCounter counts tokens with a BPE encoding. Encodings are loaded
// from the embedded offline loader, so no network access is needed.
type TiktokenCounter struct {
	encoding *tiktoken.Tiktoken
}

func NewTiktokenCounter(encodingName string) (*TiktokenCounter, error) {
	loaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("failed to load tiktoken encoding %q: %w", encodingName, err)
	}
	return &TiktokenCounter{encoding: enc}, nil
}

func (c *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(c.encoding.Encode(text, nil, nil))
}
