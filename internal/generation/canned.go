// internal/generation/canned.go
package generation

import (
	"context"
	"fmt"
	"sync"
)

// Canned answers every call locally. The simulator uses it when no backend is configured.
type Canned struct {
	Items     []string
	ImageBase string
	// Pairs is how many swaps SwapFaces returns.
	Pairs     int

	mu    sync.Mutex
	next  int
	Calls map[string]int
}

func NewCanned(imageBase string) *Canned {
	return &Canned{
		Items:     []string{"a red mug", "a house key", "a paperback book"},
		ImageBase: imageBase,
		Pairs:     3,
		Calls:     map[string]int{},
	}
}

func (c *Canned) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls[name]++
	return c.Calls[name]
}

// CallCount returns how many times a function was called.
func (c *Canned) CallCount(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Calls[name]
}

func (c *Canned) RandomItem(ctx context.Context) (string, error) {
	c.count(FnRandomItem)
	c.mu.Lock()
	defer c.mu.Unlock()
	item := c.Items[c.next%len(c.Items)]
	c.next++
	return item, nil
}

// IsItemInImage accepts any non-empty image.
func (c *Canned) IsItemInImage(ctx context.Context, item, imageBase64 string) (bool, error) {
	c.count(FnIsItemInImage)
	return imageBase64 != "", nil
}

func (c *Canned) SwapFaces(ctx context.Context) ([]SwapResult, error) {
	n := c.count(FnSwapFaces)
	out := make([]SwapResult, c.Pairs)
	for i := range out {
		out[i] = SwapResult{
			URL1: fmt.Sprintf("%s/faceswaps/canned%d_swap%d_1.jpg", c.ImageBase, n, i),
			URL2: fmt.Sprintf("%s/faceswaps/canned%d_swap%d_2.jpg", c.ImageBase, n, i),
		}
	}
	return out, nil
}

func (c *Canned) Hamshir(ctx context.Context, item string) (string, error) {
	c.count(FnHamshir)
	return fmt.Sprintf("If you could keep only %s forever, would you share it with me?", item), nil
}

func (c *Canned) PersonalFeedback(ctx context.Context, req FeedbackRequest) (string, error) {
	c.count(FnPersonalFeedback)
	if req.SubjectAnswer == req.GuesserGuess {
		return fmt.Sprintf("%s knows %s perfectly.", req.Guesser, req.Subject), nil
	}
	return fmt.Sprintf("%s guessed %q, but %s said %q.", req.Guesser, req.GuesserGuess, req.Subject, req.SubjectAnswer), nil
}
