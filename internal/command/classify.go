package command

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/tello-relay/relay/internal/config"
)

// Command classes.
const (
	ClassRead    = "read"
	ClassControl = "control"
	ClassSet     = "set"
)

// Class is the timeout class of a command.
type Class struct {
	Name     string
	Timeouts config.ClassTimeout
}

// Classifier maps a command's leading token to its class.
type Classifier struct {
	classes map[string]Class
}

// NewClassifier builds a classifier from the configured token sets.
func NewClassifier(sets config.CommandSets, timeouts config.TimeoutConfig) *Classifier {
	c := &Classifier{classes: make(map[string]Class)}
	for _, group := range []struct {
		class  Class
		tokens []string
	}{
		{Class{ClassRead, timeouts.Read}, sets.Read},
		{Class{ClassControl, timeouts.Control}, sets.Control},
		{Class{ClassSet, timeouts.Set}, sets.Set},
	} {
		for _, token := range group.tokens {
			c.classes[token] = group.class
		}
	}
	return c
}

// Classify returns the class of cmd by its first space separated token.
// Unknown tokens, empty commands and commands with control characters are
// rejected with ErrInvalidCommand.
func (c *Classifier) Classify(cmd string) (Class, error) {
	if strings.IndexFunc(cmd, unicode.IsControl) >= 0 {
		return Class{}, fmt.Errorf("%w: control character in command", ErrInvalidCommand)
	}
	token, _, _ := strings.Cut(cmd, " ")
	class, ok := c.classes[token]
	if !ok {
		return Class{}, fmt.Errorf("%w: %q", ErrInvalidCommand, token)
	}
	return class, nil
}
